package domain

// UsageStore guarda um ClientUsage por chave.
//
// Update executa fn com o lock da chave segurado durante toda a sequência
// ler-modificar-gravar; chaves diferentes não se serializam. create é chamado
// apenas quando a chave ainda não existe.
type UsageStore interface {
	Update(key Key, create func() ClientUsage, fn func(u *ClientUsage))
	Snapshot(key Key) (ClientUsage, bool)
	Remove(key Key) bool
	// RemoveIf remove a chave apenas se pred retornar true (avaliado sob o lock da chave).
	RemoveIf(key Key, pred func(u ClientUsage) bool) bool
	Keys() []Key
	Len() int
}
