// Package imapsource is a message source for any IMAP mailbox. It serves
// the same role as the Gmail source for accounts that are reachable only
// over IMAP: the query is an IMAP TEXT search and message ids are
// "<uidvalidity>:<uid>" so that a UIDVALIDITY reset yields new ids.
package imapsource
