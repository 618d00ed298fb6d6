// Package keycred abstracts the device-local secure key facility used for
// passwordless sign-in.
//
// # Providers
//
// Two implementations are included:
//
//   - SoftwareProvider: a PIN-gated keystore directory. Each identity gets a
//     P-256 key pair whose private half is sealed with AES-GCM under an
//     scrypt-derived key. This is the portable stand-in for a platform
//     facility such as a TPM-backed credential manager.
//
//   - MockProvider: a scriptable provider for tests.
//
// # Outcomes, not errors
//
// Interactive key operations report a closed Status rather than an error:
// a canceled prompt or an unconfigured device is an expected state, not a
// fault. Callers branch on the Status of the per-operation result structs
// (CreateKeyResult, OpenKeyResult, SignResult).
//
// # Prompting
//
// The SoftwareProvider never reads the PIN itself; an injected PromptFunc
// supplies it. Prompts can suspend indefinitely, so providers are never
// called with locks held.
package keycred
