// Package ratelimit fornece o adapter HTTP (net/http) do controle de admissão.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (regras, janelas, penalidade, decisão) sem net/http
//   - infra: implementações concretas (store em shards, gate, estatísticas, sweeper, métricas)
//   - config: carga da configuração (viper) e hot reload
//   - admin: API HTTP de administração (chi)
//   - ratelimit (este pacote): middleware HTTP + extração de identidade + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai client id (header) e origem (XFF/RemoteAddr)
//  2. Chama CheckRateLimit para obter a decisão
//  3. Se bloqueado, responde 429 com JSON {error, reason, retry_after_seconds}
//  4. Se permitido, chama RecordRequest, o próximo handler (ex: reverse proxy)
//     e ao final devolve a vaga de concorrência
//
// A configuração do binário gateway (cmd/gateway) fica em YAML e/ou variáveis
// ADMISSION_*, como ADMISSION_GENERAL_REQUESTS_PER_MINUTE.
package ratelimit
