// Package providers implements engine.Connector for every supported cloud
// provider.
//
// The connectors are simulations: discovery reports a configurable catalog,
// prerequisite verification checks the installation plan facts the way the
// provider would (an assumable role ARN, reachable firewall sources, a
// confirmed upload) and apply and connection-test calls succeed unless a fault
// is injected or the resource is missing what the agent needs to connect.
// Every call goes through telemetry.RecordProviderOperation, so provider
// latency and failures show up in metrics and traces.
package providers
