package pjrt_test

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/pjrtbridge/pjrt"
	"github.com/gomlx/pjrtbridge/pjrt/stub"
)

func registerStub(t *testing.T, opts ...stub.Option) (*stub.Stub, *pjrt.Plugin) {
	t.Helper()
	s := stub.New(opts...)
	p, err := pjrt.NewRegistry().Register("stub", s.API())
	require.NoError(t, err)
	return s, p
}

func TestExtensionDiscovery(t *testing.T) {
	// The stub advertises example -> raw -> stream, so both transfer
	// capabilities sit behind a record of a different type: discovery
	// must walk, not grab the head.
	_, p := registerStub(t)

	assert.True(t, p.HasExtension(pjrt.ExtensionTypeExample))
	assert.True(t, p.HasExtension(pjrt.ExtensionTypeRawTransfer))
	assert.True(t, p.HasExtension(pjrt.ExtensionTypeStreamTransfer))

	ex, found := p.Example()
	require.True(t, found)
	assert.Equal(t, 42, ex.Value())

	_, found = p.RawTransfer()
	assert.True(t, found)
	_, found = p.StreamTransfer()
	assert.True(t, found)
}

func TestExtensionAbsence(t *testing.T) {
	_, p := registerStub(t, stub.WithoutRawTransfer())
	_, found := p.RawTransfer()
	assert.False(t, found)
	_, found = p.StreamTransfer()
	assert.True(t, found)

	_, p = registerStub(t, stub.WithoutRawTransfer(), stub.WithoutStreamTransfer())
	_, found = p.RawTransfer()
	assert.False(t, found)
	_, found = p.StreamTransfer()
	assert.False(t, found)
	assert.True(t, p.HasExtension(pjrt.ExtensionTypeExample))

	// Empty chain: every capability is absent.
	p = pluginWithChain(t, nil)
	_, found = p.RawTransfer()
	assert.False(t, found)
	_, found = p.StreamTransfer()
	assert.False(t, found)
	assert.False(t, p.HasExtension(pjrt.ExtensionTypeExample))
}

// pluginWithChain registers an otherwise-functional stub API whose
// extension chain is replaced with head.
func pluginWithChain(t *testing.T, head unsafe.Pointer) *pjrt.Plugin {
	t.Helper()
	api := *stub.New().API()
	api.ExtensionStart = head
	p, err := pjrt.NewRegistry().Register("chain", &api)
	require.NoError(t, err)
	return p
}

func TestStructSizeGating(t *testing.T) {
	// A record claiming the raw-transfer type but declaring only the
	// header's size: its function fields do not exist and must never be
	// read. A full record further down the chain is still found.
	full := &pjrt.RawTransferExtension{}
	full.Header = pjrt.ExtensionHeader{
		Type:       pjrt.ExtensionTypeRawTransfer,
		StructSize: unsafe.Sizeof(*full),
	}
	truncated := &pjrt.ExtensionHeader{
		Type:       pjrt.ExtensionTypeRawTransfer,
		StructSize: unsafe.Sizeof(pjrt.ExtensionHeader{}),
		Next:       unsafe.Pointer(full),
	}
	p := pluginWithChain(t, unsafe.Pointer(truncated))

	rt, found := p.RawTransfer()
	require.True(t, found)
	require.NotNil(t, rt)

	// With only the truncated record in the chain the capability is
	// treated as absent, even though HasExtension sees the node.
	truncated.Next = nil
	p = pluginWithChain(t, unsafe.Pointer(truncated))
	_, found = p.RawTransfer()
	assert.False(t, found)
	assert.True(t, p.HasExtension(pjrt.ExtensionTypeRawTransfer))
}

func TestMalformedChainStopsWalk(t *testing.T) {
	// A node whose declared size cannot even hold the common header:
	// nothing past it is trusted, including its Next pointer.
	full := &pjrt.ExampleExtension{Value: func() int { return 1 }}
	full.Header = pjrt.ExtensionHeader{
		Type:       pjrt.ExtensionTypeExample,
		StructSize: unsafe.Sizeof(*full),
	}
	malformed := &pjrt.ExtensionHeader{
		Type:       pjrt.ExtensionTypeExample,
		StructSize: 1,
		Next:       unsafe.Pointer(full),
	}
	p := pluginWithChain(t, unsafe.Pointer(malformed))
	_, found := p.Example()
	assert.False(t, found)
	assert.False(t, p.HasExtension(pjrt.ExtensionTypeExample))
}

func TestDiscoveryIsReentrant(t *testing.T) {
	_, p := registerStub(t)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if _, found := p.RawTransfer(); !found {
					t.Error("raw transfer capability vanished mid-walk")
					return
				}
				if _, found := p.StreamTransfer(); !found {
					t.Error("stream transfer capability vanished mid-walk")
					return
				}
			}
		}()
	}
	wg.Wait()
}
