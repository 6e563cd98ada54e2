package btcp_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcpio/btcp/internal"
	"github.com/btcpio/btcp/internal/btesto"
	"github.com/btcpio/btcp/receiver"
	"github.com/btcpio/btcp/sender"
)

// runTransfer drives a complete transfer of size random bytes over a
// network with the given impairments and asserts the written file is
// byte-identical to the input with both endpoints in their terminal state.
func runTransfer(t *testing.T, seed int64, size int, timeout time.Duration, imp btesto.Impairments) {
	t.Helper()
	network := btesto.NewNetwork(seed, imp)
	input := make([]byte, size)
	fill := uint32(seed) | 1
	for i := range input {
		fill = internal.Prand32(fill)
		input[i] = byte(fill)
	}
	outPath := filepath.Join(t.TempDir(), "out.file")

	rx, err := receiver.New(receiver.Config{
		Endpoint:   network.ServerSide(),
		Window:     64,
		Timeout:    timeout,
		OutputPath: outPath,
	})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := sender.New(sender.Config{
		Endpoint: network.ClientSide(),
		Peer:     network.ServerSide().LocalAddr(),
		Window:   64,
		Timeout:  timeout,
	}, input)
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 2)
	go func() { errc <- rx.Run() }()
	go func() { errc <- tx.Run() }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(2 * time.Minute):
			t.Fatalf("transfer did not terminate: sender=%s receiver=%s", tx.State(), rx.State())
		}
	}
	if !tx.Done() || !rx.Done() {
		t.Fatalf("endpoints not terminal: sender=%s receiver=%s", tx.State(), rx.State())
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, input) {
		t.Fatalf("output differs from input: got %d bytes want %d", len(got), len(input))
	}
}

func TestTransferIdealNetwork(t *testing.T) {
	runTransfer(t, 1, 1<<20, 20*time.Millisecond, btesto.Impairments{})
}

func TestTransferEmptyInput(t *testing.T) {
	runTransfer(t, 2, 0, 20*time.Millisecond, btesto.Impairments{})
}

func TestTransferImpairedNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("impairment matrix is slow")
	}
	const size = 96 << 10
	const timeout = 30 * time.Millisecond
	tests := []struct {
		name string
		imp  btesto.Impairments
	}{
		{"Corrupt1pct", btesto.Impairments{Corrupt: 0.01}},
		{"Duplicate10pct", btesto.Impairments{Duplicate: 0.10}},
		{"Loss10pct", btesto.Impairments{Loss: 0.10}},
		{"Loss25pct", btesto.Impairments{Loss: 0.25}},
		{"Reorder25pct", btesto.Impairments{Reorder: 0.25, ReorderDelay: 20 * time.Millisecond}},
		{"DelayNearTimeout", btesto.Impairments{Delay: 25 * time.Millisecond}},
		{"Combined", btesto.Impairments{
			Loss:         0.10,
			Duplicate:    0.10,
			Corrupt:      0.01,
			Reorder:      0.10,
			ReorderDelay: 20 * time.Millisecond,
		}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runTransfer(t, int64(100+i), size, timeout, tt.imp)
		})
	}
}
