// Package gmail adapts the Gmail API to the dispatch engine: it searches
// conversations by subject, reads the threading headers of their messages and
// sends raw RFC 5322 messages, optionally into an existing conversation.
//
// Reads are retried on transient failures. A send is retried only when Gmail
// refused it outright (429 or 503), since a timed-out send may already have
// been delivered.
//
// Example usage:
//
//	client, err := gmail.NewClient(ctx, google.DefaultSettings(), option.WithHTTPClient(httpClient))
//	if err != nil {
//	    return err
//	}
//	ids, err := client.SearchThreads(ctx, `subject:"Handover HN-01"`, 50)
package gmail
