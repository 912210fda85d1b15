package swap

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lnswap/lnswapd/internal/chain"
)

var (
	testPreimage     = bytes.Repeat([]byte{0x42}, 32)
	testDestKey, _   = btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x11}, 32))
	testRefundKey, _ = btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x22}, 32))
)

func testFields(timeout uint32) *ScriptFields {
	h := sha256.Sum256(testPreimage)
	return &ScriptFields{
		PaymentHash:          h[:],
		DestinationPublicKey: testDestKey.PubKey().SerializeCompressed(),
		RefundPublicKeyHash:  btcutil.Hash160(testRefundKey.PubKey().SerializeCompressed()),
		TimeoutBlockHeight:   timeout,
	}
}

func mustScript(t *testing.T, f *ScriptFields) []byte {
	t.Helper()
	s, err := BuildScript(f)
	if err != nil {
		t.Fatalf("BuildScript() error = %v", err)
	}
	return s
}

func testnet(t *testing.T) *chain.Params {
	t.Helper()
	p, ok := chain.Get(chain.BitcoinTestnet)
	if !ok {
		t.Fatal("testnet not registered")
	}
	return p
}

func TestScriptRoundTrip(t *testing.T) {
	for _, timeout := range []uint32{0, 1, 16, 17, 127, 128, 700000, 1<<31 - 1, 1 << 31, math.MaxUint32} {
		f := testFields(timeout)
		script := mustScript(t, f)

		got, err := ParseScript(script)
		if err != nil {
			t.Fatalf("timeout %d: ParseScript() error = %v", timeout, err)
		}
		if got.TimeoutBlockHeight != timeout {
			t.Errorf("timeout = %d, want %d", got.TimeoutBlockHeight, timeout)
		}
		if !bytes.Equal(got.PaymentHash, f.PaymentHash) ||
			!bytes.Equal(got.DestinationPublicKey, f.DestinationPublicKey) ||
			!bytes.Equal(got.RefundPublicKeyHash, f.RefundPublicKeyHash) {
			t.Errorf("timeout %d: fields mismatch", timeout)
		}
	}
}

func TestBuildScriptLayout(t *testing.T) {
	script := mustScript(t, testFields(700000))

	// 700000 = 0x0aae60, pushed as 3 little-endian bytes.
	want := []byte{txscript.OP_DUP, txscript.OP_SHA256, txscript.OP_DATA_32}
	if !bytes.HasPrefix(script, want) {
		t.Errorf("script prefix = %x", script[:3])
	}
	if !bytes.Contains(script, []byte{txscript.OP_ELSE, txscript.OP_DATA_3, 0x60, 0xae, 0x0a, txscript.OP_CHECKLOCKTIMEVERIFY}) {
		t.Errorf("locktime not encoded as minimal push: %x", script)
	}
	if script[len(script)-1] != txscript.OP_CHECKSIG {
		t.Error("script does not end with OP_CHECKSIG")
	}
}

func TestBuildScriptInvalidFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ScriptFields)
		want   error
	}{
		{"short hash", func(f *ScriptFields) { f.PaymentHash = f.PaymentHash[:20] }, ErrInvalidPaymentHash},
		{"uncompressed key", func(f *ScriptFields) { f.DestinationPublicKey = testDestKey.PubKey().SerializeUncompressed() }, ErrInvalidDestinationKey},
		{"bad key prefix", func(f *ScriptFields) { f.DestinationPublicKey = append([]byte{0x04}, f.DestinationPublicKey[1:]...) }, ErrInvalidDestinationKey},
		{"long key hash", func(f *ScriptFields) { f.RefundPublicKeyHash = make([]byte, 32) }, ErrInvalidRefundPublicKeyHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testFields(10)
			tt.mutate(f)
			if _, err := BuildScript(f); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

// swapTokens returns the builder steps of a valid script so that a
// single position can be replaced.
func swapTokens(f *ScriptFields) []func(*txscript.ScriptBuilder) {
	op := func(o byte) func(*txscript.ScriptBuilder) {
		return func(b *txscript.ScriptBuilder) { b.AddOp(o) }
	}
	data := func(d []byte) func(*txscript.ScriptBuilder) {
		return func(b *txscript.ScriptBuilder) { b.AddData(d) }
	}
	return []func(*txscript.ScriptBuilder){
		op(txscript.OP_DUP),
		op(txscript.OP_SHA256),
		data(f.PaymentHash),
		op(txscript.OP_EQUAL),
		op(txscript.OP_IF),
		op(txscript.OP_DROP),
		data(f.DestinationPublicKey),
		op(txscript.OP_ELSE),
		func(b *txscript.ScriptBuilder) { b.AddInt64(int64(f.TimeoutBlockHeight)) },
		op(txscript.OP_CHECKLOCKTIMEVERIFY),
		op(txscript.OP_DROP),
		op(txscript.OP_DUP),
		op(txscript.OP_HASH160),
		data(f.RefundPublicKeyHash),
		op(txscript.OP_EQUALVERIFY),
		op(txscript.OP_ENDIF),
		op(txscript.OP_CHECKSIG),
	}
}

func assemble(t *testing.T, steps []func(*txscript.ScriptBuilder)) []byte {
	t.Helper()
	b := txscript.NewScriptBuilder()
	for _, s := range steps {
		s(b)
	}
	script, err := b.Script()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return script
}

func TestParseScriptTokenErrors(t *testing.T) {
	nop := func(b *txscript.ScriptBuilder) { b.AddOp(txscript.OP_NOP) }
	push := func(n int) func(*txscript.ScriptBuilder) {
		return func(b *txscript.ScriptBuilder) { b.AddData(bytes.Repeat([]byte{0xab}, n)) }
	}

	tests := []struct {
		pos         int
		replacement func(*txscript.ScriptBuilder)
		want        error
	}{
		{0, nop, ErrExpectedInitialOpDup},
		{1, nop, ErrExpectedSha256},
		{2, push(20), ErrExpectedStandardPaymentHash},
		{2, nop, ErrExpectedStandardPaymentHash},
		{3, nop, ErrExpectedOpEqual},
		{4, nop, ErrExpectedOpIf},
		{5, nop, ErrExpectedOpDrop},
		{6, push(32), ErrExpectedDestinationKey},
		{6, push(33), ErrExpectedDestinationKey},
		{6, func(b *txscript.ScriptBuilder) {
			b.AddData(append([]byte{0x04}, testDestKey.PubKey().SerializeCompressed()[1:]...))
		}, ErrExpectedDestinationKey},
		{7, nop, ErrExpectedOpElse},
		{8, nop, ErrExpectedCltv},
		{8, push(6), ErrExpectedCltv},
		{8, func(b *txscript.ScriptBuilder) { b.AddInt64(-1) }, ErrExpectedCltv},
		{8, func(b *txscript.ScriptBuilder) { b.AddInt64(-500) }, ErrExpectedCltv},
		{9, nop, ErrExpectedOpCltv},
		{10, nop, ErrExpectedOpDrop},
		{11, nop, ErrExpectedOpDup},
		{12, nop, ErrExpectedOpHash160},
		{13, push(32), ErrExpectedRefundPublicKeyHash},
		{14, nop, ErrExpectedOpEqualVerify},
		{15, nop, ErrExpectedOpEndIf},
		{16, nop, ErrExpectedCheckSig},
	}

	for _, tt := range tests {
		steps := swapTokens(testFields(700000))
		steps[tt.pos] = tt.replacement
		_, err := ParseScript(assemble(t, steps))
		if !errors.Is(err, tt.want) {
			t.Errorf("position %d: error = %v, want %v", tt.pos, err, tt.want)
		}
	}
}

func TestParseScriptLength(t *testing.T) {
	valid := mustScript(t, testFields(700000))

	tests := []struct {
		name   string
		script []byte
	}{
		{"empty", nil},
		{"missing checksig", valid[:len(valid)-1]},
		{"extra token", append(append([]byte{}, valid...), txscript.OP_NOP)},
		{"truncated push", valid[:10]},
	}
	for _, tt := range tests {
		if _, err := ParseScript(tt.script); !errors.Is(err, ErrInvalidScriptLength) {
			t.Errorf("%s: error = %v, want ErrInvalidScriptLength", tt.name, err)
		}
	}
}

func TestParseScriptNonMinimalLockTime(t *testing.T) {
	steps := swapTokens(testFields(0))
	// 5 encoded with a redundant zero byte
	steps[8] = func(b *txscript.ScriptBuilder) { b.AddData([]byte{0x05, 0x00}) }
	if _, err := ParseScript(assemble(t, steps)); !errors.Is(err, ErrExpectedCltv) {
		t.Errorf("error = %v, want ErrExpectedCltv", err)
	}
}

func TestDeriveAddresses(t *testing.T) {
	script := mustScript(t, testFields(700000))

	tests := []struct {
		network                   chain.Network
		legacy, nested, nativePfx string
	}{
		{chain.Bitcoin, "3", "3", "bc1q"},
		{chain.BitcoinTestnet, "2", "2", "tb1q"},
		{chain.Litecoin, "M", "M", "ltc1q"},
		{chain.LitecoinTest, "Q", "Q", "tltc1q"},
	}

	for _, tt := range tests {
		t.Run(string(tt.network), func(t *testing.T) {
			params, _ := chain.Get(tt.network)
			a, err := DeriveAddresses(script, params)
			if err != nil {
				t.Fatalf("DeriveAddresses() error = %v", err)
			}
			if !strings.HasPrefix(a.Legacy, tt.legacy) || !strings.HasPrefix(a.Nested, tt.nested) {
				t.Errorf("P2SH addresses %s / %s lack prefix %s", a.Legacy, a.Nested, tt.legacy)
			}
			if !strings.HasPrefix(a.Native, tt.nativePfx) {
				t.Errorf("P2WSH address %s lacks prefix %s", a.Native, tt.nativePfx)
			}
			if a.Legacy == a.Nested {
				t.Error("legacy and nested addresses collide")
			}

			sh := sha256.Sum256(script)
			if !bytes.Equal(a.WitnessProgram, append([]byte{0x00, 0x20}, sh[:]...)) {
				t.Errorf("witness program = %x", a.WitnessProgram)
			}
			if !bytes.Equal(a.NativeOutputScript, a.WitnessProgram) {
				t.Error("P2WSH output script should equal the witness program")
			}
			nestedHash := btcutil.Hash160(a.WitnessProgram)
			wantNested := append(append([]byte{txscript.OP_HASH160, txscript.OP_DATA_20}, nestedHash...), txscript.OP_EQUAL)
			if !bytes.Equal(a.NestedOutputScript, wantNested) {
				t.Errorf("nested output script = %x", a.NestedOutputScript)
			}

			again, _ := DeriveAddresses(script, params)
			if again.Legacy != a.Legacy || again.Nested != a.Nested || again.Native != a.Native {
				t.Error("address derivation is not deterministic")
			}
		})
	}

	eth, _ := chain.Get(chain.Ethereum)
	if _, err := DeriveAddresses(script, eth); !errors.Is(err, ErrUnsupportedNetwork) {
		t.Errorf("account network: error = %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	params := testnet(t)
	script := mustScript(t, testFields(700000))
	addrs, err := DeriveAddresses(script, params)
	if err != nil {
		t.Fatal(err)
	}

	pkh := btcutil.Hash160(testRefundKey.PubKey().SerializeCompressed())
	p2pkh, _ := btcutil.NewAddressPubKeyHash(pkh, params.ChainParams())
	p2wpkh, _ := btcutil.NewAddressWitnessPubKeyHash(pkh, params.ChainParams())

	tests := []struct {
		addr     string
		typ      string
		version  byte
		hash     []byte
		pkScript []byte
	}{
		{p2pkh.EncodeAddress(), AddressP2PKH, 0x6F, pkh, nil},
		{p2wpkh.EncodeAddress(), AddressP2WPKH, 0, pkh, nil},
		{addrs.Legacy, AddressP2SH, 0xC4, btcutil.Hash160(script), addrs.LegacyOutputScript},
		{addrs.Nested, AddressP2SH, 0xC4, btcutil.Hash160(addrs.WitnessProgram), addrs.NestedOutputScript},
		{addrs.Native, AddressP2WSH, 0, addrs.WitnessProgram[2:], addrs.NativeOutputScript},
	}

	for _, tt := range tests {
		d, err := ParseAddress(tt.addr, params)
		if err != nil {
			t.Fatalf("ParseAddress(%s) error = %v", tt.addr, err)
		}
		if d.Type != tt.typ || d.Version != tt.version || !bytes.Equal(d.Hash, tt.hash) {
			t.Errorf("ParseAddress(%s) = %s v%d %x", tt.addr, d.Type, d.Version, d.Hash)
		}
		if tt.pkScript != nil && !bytes.Equal(d.OutputScript, tt.pkScript) {
			t.Errorf("ParseAddress(%s) output script = %x", tt.addr, d.OutputScript)
		}
	}

	mainnet, _ := chain.Get(chain.Bitcoin)
	mainAddrs, _ := DeriveAddresses(script, mainnet)
	for _, bad := range []string{"", "not-an-address", mainAddrs.Native, mainAddrs.Nested} {
		if _, err := ParseAddress(bad, params); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("ParseAddress(%q) error = %v, want ErrInvalidAddress", bad, err)
		}
	}
}
