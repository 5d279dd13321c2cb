package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-scp/pivscp/pkg/options"
	"github.com/go-scp/pivscp/pkg/pcsc"
	"github.com/go-scp/pivscp/pkg/piv"
	"github.com/go-scp/pivscp/pkg/pivtypes"
)

func main() {
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))

	client, err := pcsc.NewClient(options.WithLogger(logger))
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = client.Release()
	}()

	readers, err := client.Readers()
	if err != nil {
		panic(err)
	}
	if len(readers) == 0 {
		panic("no smart card readers found")
	}

	card, err := client.Connect(readers[0])
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = card.Close()
	}()

	session, err := piv.NewSession(card, &piv.StaticCredentials{
		Pin: piv.DefaultPIN,
	}, options.WithLogger(logger))
	if err != nil {
		panic(err)
	}

	major, minor, patch, err := session.Version()
	if err != nil {
		panic(err)
	}
	fmt.Printf("PIV application version: %d.%d.%d\n", major, minor, patch)

	state, err := session.RetryState(pivtypes.KeyRefPIN)
	if err != nil {
		panic(err)
	}
	fmt.Printf("PIN retries: %d of %d\n", state.Remaining, state.Attempts)

	res, err := session.VerifyPIN(piv.DefaultPIN)
	if err != nil {
		panic(err)
	}
	if !res.OK {
		fmt.Printf("wrong PIN, %d retries remaining\n", res.Remaining.OrElse(0))
		return
	}
	fmt.Println("PIN verified")

	mode, err := session.PINOnlyMode()
	if err != nil {
		panic(err)
	}
	fmt.Printf("PIN-only mode: %d\n", mode)
}
