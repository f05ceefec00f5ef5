// Package drive fetches the spreadsheets linked from handover rows.
//
// A row carries a Drive share URL. FileIDFromURL extracts the file id from
// its /d/<id>/ segment and Client.Export returns the file as xlsx bytes:
// native Google Sheets are exported, uploaded Excel files are downloaded as
// they are.
package drive
