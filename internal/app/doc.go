// Package app contains the core application logic. It loads configuration,
// builds the engine and runs one workflow from template to saved artifacts,
// decoupled from any specific entrypoint like a CLI or server.
package app
