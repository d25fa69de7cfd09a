// Package receipts marks inbound messages as read in one all-or-nothing batch.
package receipts
