// Package tracker defines the core types and collaborator contracts shared by
// the polling, state, and notification subsystems.
package tracker
