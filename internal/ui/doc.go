// Package ui renders fleet's terminal output: host and service tables,
// usage and transfer bars, the interactive host picker and credential
// prompts.
//
// Colors are ANSI codes for broad terminal compatibility:
//
//	ColorSuccess   (green)  - online hosts, finished transfers
//	ColorError     (red)    - offline hosts, failures
//	ColorWarning   (yellow) - degraded values
//	ColorMuted     (gray)   - secondary text
//	ColorSecondary (blue)   - in-progress indicators
//
// Use DisableColors() for monochrome output (the --no-color flag).
package ui
