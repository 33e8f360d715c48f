// Package relay connects robots and operator consoles.
//
// Robots hold a persistent TCP stream carrying newline-delimited JSON envelopes.
// Consoles connect over websocket, one envelope per message.
// Bridge routes between them through registry.Registry:
// robot telemetry is acked, broadcast to subscribed consoles, persisted and fed
// to trajectory.Estimator; console commands are forwarded to the addressed robot
// byte for byte.
package relay
