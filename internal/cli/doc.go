// Package cli implements the fleet command-line interface.
//
// Each command is built by a constructor around a shared *app, which loads
// config and the logger before any command runs and opens the store, the
// secrets vault and the SSH pool only when a command needs them.
//
// # Command Structure
//
//	fleet hosts [add|list|remove|import]     - Manage the inventory
//	fleet metrics [refresh|show] [host]      - Collect and show metrics
//	fleet services [discover|list|show]      - Service units on hosts
//	fleet apps [add|list|refresh]            - Deployed applications
//	fleet exec <host> -- <command>           - Guarded remote command
//	fleet transfer [upload|download|status|list|cancel|ls]
//	fleet events test                        - Broadcast a test event
//	fleet serve                              - HTTP API and scheduler
//	fleet doctor                             - Diagnose the installation
//
// # Exit Status
//
// Commands return structured errors, printed once by Execute. Commands
// whose target set is empty (no active hosts, nothing imported) return an
// errors.ExitError so the process exits non-zero without extra output.
// 'fleet exec' exits with the remote command's status.
package cli
