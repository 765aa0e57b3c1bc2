// Package quorum provides the per-request acknowledgement tracker used for
// admission. It counts distinct peers, each accounted for by either an
// explicit consent or a concession, and never counts a peer twice.
package quorum
