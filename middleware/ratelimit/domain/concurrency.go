package domain

// ConcurrencyGate controla quantas requisições de uma mesma chave estão em voo.
//
// É independente das janelas de tempo: TryEnter só reserva uma vaga se o número
// atual for menor que o teto. Cada TryEnter bem-sucedido deve ser pareado com
// exatamente um Leave.
type ConcurrencyGate interface {
	TryEnter(key Key, ceiling int) bool
	Leave(key Key)
	InFlight(key Key) int
	// Forget descarta o contador da chave se não houver nada em voo.
	Forget(key Key)
}
