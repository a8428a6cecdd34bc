// Package config loads and validates relay-gateway configuration.
//
// Configuration is YAML with ${VAR} environment expansion and
// duration-string fields. The same Parse path serves both startup loading
// and the config.apply RPC, so a document accepted live is exactly a
// document that will load on the next start. SaveRaw performs the durable
// temp-write-fsync-rename sequence config.apply relies on before it
// schedules a restart.
package config
