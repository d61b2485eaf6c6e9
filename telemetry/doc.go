// Package telemetry provides core.TelemetryHook implementations backed by
// zerolog and Prometheus. Combine them with core.MultiTelemetryHook.
package telemetry
