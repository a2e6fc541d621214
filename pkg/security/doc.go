// Package security manages the snapshot encryption key: generation,
// passphrase derivation, validation and owner-only key files. The bus
// codec consumes the hex key via configuration.
package security
