// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - Store: registros de uso por chave, em shards com lock por chave
//   - Gate: contador de requisições em voo por chave
//   - MemoryStatsStore: agregador de estatísticas com top 10
//   - RedisStatsStore / AsyncStatsSink: espelho das estatísticas no Redis
//   - Sweeper: remoção periódica de clientes ociosos (robfig/cron)
//   - PrometheusMetrics: métricas do motor
package infra
