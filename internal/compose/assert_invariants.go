//go:build invariants

package compose

func assertInvariant(err error) { panic(err) }
