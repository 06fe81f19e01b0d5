package pg

import "github.com/lib/pq"

// QuoteIdentifier quotes a single SQL identifier.
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// QuoteLiteral quotes a string literal for inclusion in SQL text.
func QuoteLiteral(literal string) string {
	return pq.QuoteLiteral(literal)
}

// QualifiedName returns the quoted "namespace"."relname" form.
func QualifiedName(namespace, relname string) string {
	return pq.QuoteIdentifier(namespace) + "." + pq.QuoteIdentifier(relname)
}
