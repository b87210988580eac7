// Package bootstrap wires the bastion process together: logger, config,
// metadata store, repositories and the heartbeat reporter. main stays thin;
// everything constructed here is passed explicitly to its consumers.
package bootstrap
