// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import "errors"

// ErrEmbeddingUnavailable signals that the query could not be embedded.
// It is not retried: the caller converts it to a fixed apology reply.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Fixed user-facing replies. Channels and tests match on these strings, so
// they must stay byte-stable.
const (
	ReplyRateLimited       = "You're asking too quickly, please take a break before asking me again."
	ReplyConnectionFailed  = "I can't connect to the service, please try again later."
	ReplyTimeout           = "I haven't received the message, please try again later."
	ReplyServerUnavailable = "The server is overloaded or not ready yet."
	ReplyUnknownFailure    = "I'm unable to answer your question right now. Please try again later."
	ReplyNoIdea            = "Sorry, I have no ideas about what you said."
	ReplySessionReset      = "Session is reset."
)
