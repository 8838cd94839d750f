// Package application contém os casos de uso do controle de admissão:
// resolução de regras, janelas de contagem, penalidade progressiva,
// cabeçalhos de resposta e o Service que orquestra tudo.
//
// Ele depende do pacote domain (e de zap para logs) e não conhece net/http.
// Ex.: Service.CheckRateLimit(...) retorna uma Decision (allow/deny + retry-after).
package application
