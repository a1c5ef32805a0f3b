// Package source holds helpers shared by the vendor adapters in its
// subpackages. Each adapter implements tracker.Source.
package source
