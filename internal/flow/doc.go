// Package flow drives the passwordless enrollment and sign-in flows.
//
// The Orchestrator sequences the account directory, the device key
// provider, and the challenge service. Flows end in a terminal State
// carried by the result struct; an error return is reserved for
// infrastructure faults such as a failed persistence flush. Expected
// outcomes of the key facility (canceled prompt, locked device, missing
// key) never surface as errors.
//
// Sign-in recovers from exactly one missing-key condition by re-running
// enrollment for the same identity, matching the behavior of a device
// whose key facility was reset after enrollment.
package flow
