package google

import (
	drive "google.golang.org/api/drive/v3"
	gmail "google.golang.org/api/gmail/v1"
	sheets "google.golang.org/api/sheets/v4"
)

// Scopes are the OAuth scopes a dispatching user grants:
//   - Gmail: search and read thread metadata, send
//   - Sheets: read the source sheet, append/format/delete rows
//   - Drive: export attached handover files
var Scopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	gmail.GmailReadonlyScope,
	gmail.GmailSendScope,
	sheets.SpreadsheetsScope,
	drive.DriveReadonlyScope,
}
