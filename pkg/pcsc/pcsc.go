// Package pcsc connects to smart cards through the platform PC/SC stack.
// A Card satisfies the Transmitter interfaces of the piv and securechannel
// packages, so it can be used directly or wrapped in a secure channel.
package pcsc

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/go-scp/pivscp/pkg/options"

	"github.com/ebfe/scard"
	"github.com/skythen/apdu"
)

// Client owns a PC/SC context. Cards connected through it must be closed
// before the client is.
type Client struct {
	ctx    *scard.Context
	logger *slog.Logger
}

// NewClient establishes a PC/SC context.
func NewClient(opts ...options.Option) (*Client, error) {
	oo := options.NewOptions(opts...)

	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("cannot establish PC/SC context: %w", err)
	}

	return &Client{ctx: ctx, logger: oo.Logger}, nil
}

// Readers lists the names of the connected smart card readers.
func (c *Client) Readers() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("cannot list readers: %w", err)
	}
	return readers, nil
}

// Connect opens a shared connection to the card in the named reader.
func (c *Client) Connect(reader string) (*Card, error) {
	card, err := c.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to reader %q: %w", reader, err)
	}

	if err := card.BeginTransaction(); err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return nil, fmt.Errorf("cannot begin transaction: %w", err)
	}

	return &Card{card: card, logger: c.logger.With("reader", reader)}, nil
}

// Release frees the PC/SC context.
func (c *Client) Release() error {
	return c.ctx.Release()
}

// Card is one exclusive transaction with a card. It is not safe for
// concurrent use.
type Card struct {
	card   *scard.Card
	logger *slog.Logger
}

// Transmit exchanges one command APDU for one response APDU.
func (c *Card) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	req, err := capdu.Bytes()
	if err != nil {
		return apdu.Rapdu{}, fmt.Errorf("cannot serialize command: %w", err)
	}

	c.logger.Debug("transmit", "capdu", hex.EncodeToString(req))

	raw, err := c.card.Transmit(req)
	if err != nil {
		return apdu.Rapdu{}, fmt.Errorf("cannot transmit: %w", err)
	}

	c.logger.Debug("received", "rapdu", hex.EncodeToString(raw))

	resp, err := apdu.ParseRapdu(raw)
	if err != nil {
		return apdu.Rapdu{}, fmt.Errorf("cannot parse response: %w", err)
	}

	return *resp, nil
}

// Close ends the transaction and disconnects, leaving the card powered.
func (c *Card) Close() error {
	if err := c.card.EndTransaction(scard.LeaveCard); err != nil {
		_ = c.card.Disconnect(scard.LeaveCard)
		return fmt.Errorf("cannot end transaction: %w", err)
	}
	return c.card.Disconnect(scard.LeaveCard)
}
