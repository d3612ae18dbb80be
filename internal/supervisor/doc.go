// Package supervisor owns provider plugin processes for the duration of a run.
//
// Each plugin is spawned once, greeted with a Hello, and kept alive while the
// orchestrator drives its plan and generate exchanges over the plugin's
// stdin/stdout. The supervisor table is the only owner of process handles.
//
// Lifecycle:
//   - NotStarted → Spawning: exec with stdin/stdout on OS pipes, stderr
//     passed through to the host
//   - Spawning → HandshakeSent: Hello written
//   - HandshakeSent → Active: Identity received with a matching protocol version
//   - Active → ShuttingDown → Terminated: streams closed, grace period, then kill
//
// Timeout handling:
//   - Handshake and each exchange may carry a timeout (0 disables)
//   - On expiry the plugin is killed outright, since its stream position is
//     unknown, and the call fails with ErrTimeout
//
// Error handling:
//   - Protocol version mismatch → process terminated, ErrProtocolMismatch
//   - Executable cannot start → ErrSpawn
//   - Broken stream or undecodable reply → the process is marked failed and
//     every later exchange returns the same error
//   - Shutdown never fails; non-zero exits and forced kills are logged
package supervisor
