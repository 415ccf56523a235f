// Package index holds queryable projections of job summaries. The checkpoint
// store stays the source of truth; an index only speeds up job listings.
package index
