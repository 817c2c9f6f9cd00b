package postgres

import "context"

// domainContext keeps repository signatures short.
type domainContext = context.Context
