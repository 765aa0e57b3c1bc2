// Package wire defines the protocol message tuple exchanged between peers
// and its fixed-width binary record encoding.
package wire
