// Command docflowd runs the document processing daemon and provides
// operator subcommands for configuration, job inspection, and health checks.
package main
