// Package google holds everything the adapters share about talking to Google:
// the OAuth2 client configuration and scopes, the per-user credential store,
// authenticated HTTP clients, and the instrumented retry wrapper every API
// call goes through.
//
// Credentials are stored per user in the system keyring (or its encrypted
// file backend on headless hosts) as the JSON encoding of an oauth2.Token.
// A user without a stored token, or whose refresh token has been revoked,
// surfaces as ErrReauthRequired.
package google
