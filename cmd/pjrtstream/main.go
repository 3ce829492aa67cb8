// pjrtstream exercises the plugin boundary end to end against the
// in-process stub plugin: capability discovery, a whole-buffer raw
// transfer with round-trip verification, and a chunked streaming
// transfer with a progress bar.
//
// Useful as a smoke test of the boundary machinery and as a reading
// example of the intended call sequences.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/pjrtbridge/pjrt"
	"github.com/gomlx/pjrtbridge/pjrt/stub"
)

var (
	flagTotal = flag.Int("total", 64*1024*1024, "Total bytes to stream in the chunked transfer demo.")
	flagChunk = flag.Int("chunk", 4*1024*1024, "Chunk size in bytes. Rounded down to a granule multiple.")
	flagDelay = flag.Duration("delay", 10*time.Millisecond, "Artificial delay between chunks, to make the progress bar visible.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	rowStyle       = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 2, 0, 2)
)

// theStub is the single in-process plugin instance, kept so the demos
// can create devices and inspect the simulated device memory.
var theStub = stub.New(stub.WithGranule(256 * 1024))

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(pjrt.Register("stub", theStub.API()))
	plugin := must.M1(pjrt.GetPlugin("stub"))

	reportCapabilities(plugin)
	rawTransferDemo(plugin)
	chunkedTransferDemo(plugin)
}

func reportCapabilities(p *pjrt.Plugin) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Plugin %s", p)))
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 1 {
				return headerRowStyle
			}
			return rowStyle
		}).
		Headers("Capability", "Advertised")
	for _, ext := range []pjrt.ExtensionType{
		pjrt.ExtensionTypeRawTransfer,
		pjrt.ExtensionTypeStreamTransfer,
		pjrt.ExtensionTypeExample,
	} {
		table.Row(ext.String(), fmt.Sprintf("%v", p.HasExtension(ext)))
	}
	fmt.Println(table.Render())
}

func rawTransferDemo(p *pjrt.Plugin) {
	rt, found := p.RawTransfer()
	if !found {
		klog.Exitf("plugin %s does not advertise raw transfers", p)
	}
	device := theStub.NewDevice()

	payload := make([]float32, 1024)
	for i := range payload {
		payload[i] = rand.Float32()
	}
	ev := must.M1(rt.CopyHostToDevice(device, pjrt.NewAllocation(payload)))
	must.M(ev.BlockUntilReady(0))
	must.M(ev.Destroy())

	buf := must.M1(rt.CopyDeviceToHost(device, 4*len(payload)))
	back := must.M1(pjrt.NativeToFlat[float32](buf))
	must.M(buf.Release())
	for i := range payload {
		if payload[i] != back[i] {
			klog.Exitf("raw transfer round-trip mismatch at element %d: %v != %v", i, payload[i], back[i])
		}
	}
	fmt.Printf("Raw transfer: %s round-tripped, %d live contexts\n",
		humanize.IBytes(uint64(4*len(payload))), pjrt.TransferContextsLive())
}

func chunkedTransferDemo(p *pjrt.Plugin) {
	st, found := p.StreamTransfer()
	if !found {
		klog.Exitf("plugin %s does not advertise stream transfers", p)
	}
	device := theStub.NewDevice()

	total := *flagTotal
	c := must.M1(st.NewChunkedTransfer(device, total))
	// Non-final chunks must be granule multiples.
	chunkSize := *flagChunk
	granule := c.GranuleSize()
	if chunkSize < granule {
		chunkSize = granule
	}
	chunkSize -= chunkSize % granule

	bar := progressbar.DefaultBytes(int64(total),
		fmt.Sprintf("Streaming %s", humanize.IBytes(uint64(total))))
	c.SetProgressFunc(func(sent, totalBytes int) {
		_ = bar.Set(sent)
	})

	ctx := context.Background()
	var lastEv *pjrt.Event
	for sent := 0; sent < total; {
		n := min(chunkSize, total-sent)
		chunk := bytes.Repeat([]byte{byte(sent / chunkSize)}, n)
		ev, err := c.AddChunk(ctx, chunk)
		if err != nil {
			klog.Exitf("transfer %s: %+v", c.ID(), err)
		}
		lastEv = ev
		sent += n
		time.Sleep(*flagDelay)
	}
	if lastEv != nil {
		must.M(lastEv.BlockUntilReady(0))
	}
	_ = bar.Finish()

	if c.State() != pjrt.TransferCompleted {
		klog.Exitf("transfer %s finished in state %s: %v", c.ID(), c.State(), c.Err())
	}
	fmt.Printf("\nChunked transfer %s: %s in %s chunks, device holds %s\n",
		c.ID(), humanize.IBytes(uint64(total)), humanize.IBytes(uint64(chunkSize)),
		humanize.IBytes(uint64(len(theStub.DeviceBytes(device)))))
	if live := pjrt.TransferContextsLive(); live != 0 {
		klog.Errorf("%d transfer contexts leaked", live)
		os.Exit(1)
	}
}
