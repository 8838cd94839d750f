// utilitário pequeno para formatação de valores numéricos em headers,
// sem passar por fmt.

package ratelimit

import "strconv"

func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }
