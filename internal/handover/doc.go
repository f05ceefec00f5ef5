// Package handover turns rows of the handover spreadsheet into dispatch
// records and renders the notification text sent for each of them.
//
// The source sheet layout is fixed:
//
//	A date | B trip | C subject | D cc | E recipient | F hub | G window |
//	H scheduled time | I requested qty | J actual qty | K file link | L send flag
//
// Only rows whose send flag reads TRUE are dispatched.
package handover
