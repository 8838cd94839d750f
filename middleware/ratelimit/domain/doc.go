// Package domain define contratos e tipos de domínio do controle de admissão:
// regras por janela, registro de uso por cliente, decisões, estatísticas e
// o gate de concorrência.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain
