package chain

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcutil/base58"
)

// Well-known Solana program addresses.
var (
	solSystemProgram = mustPubkey("11111111111111111111111111111111")
	solTokenProgram  = mustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	solATAProgram    = mustPubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

type solPubkey [32]byte

func parsePubkey(s string) (solPubkey, error) {
	var pk solPubkey
	decoded := base58.Decode(s)
	if len(decoded) != 32 {
		return pk, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	copy(pk[:], decoded)
	return pk, nil
}

func mustPubkey(s string) solPubkey {
	pk, err := parsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (p solPubkey) String() string { return base58.Encode(p[:]) }

type accountMeta struct {
	pubkey   solPubkey
	signer   bool
	writable bool
}

type instruction struct {
	program  solPubkey
	accounts []accountMeta
	data     []byte
}

// systemTransferIx moves lamports between accounts.
// Data layout: u32 LE instruction index (2 = Transfer) + u64 LE lamports.
func systemTransferIx(from, to solPubkey, lamports uint64) instruction {
	data := make([]byte, 12)
	putUint32LE(data[0:], 2)
	putUint64LE(data[4:], lamports)
	return instruction{
		program: solSystemProgram,
		accounts: []accountMeta{
			{pubkey: from, signer: true, writable: true},
			{pubkey: to, writable: true},
		},
		data: data,
	}
}

// tokenTransferIx moves SPL tokens between token accounts.
// Data layout: u8 instruction index (3 = Transfer) + u64 LE amount.
func tokenTransferIx(source, dest, owner solPubkey, amount uint64) instruction {
	data := make([]byte, 9)
	data[0] = 3
	putUint64LE(data[1:], amount)
	return instruction{
		program: solTokenProgram,
		accounts: []accountMeta{
			{pubkey: source, writable: true},
			{pubkey: dest, writable: true},
			{pubkey: owner, signer: true},
		},
		data: data,
	}
}

// createATAIx creates the associated token account for (owner, mint),
// funded by payer. Uses CreateIdempotent (index 1) so a concurrent
// creation by another party is not an error.
func createATAIx(payer, ata, owner, mint solPubkey) instruction {
	return instruction{
		program: solATAProgram,
		accounts: []accountMeta{
			{pubkey: payer, signer: true, writable: true},
			{pubkey: ata, writable: true},
			{pubkey: owner},
			{pubkey: mint},
			{pubkey: solSystemProgram},
			{pubkey: solTokenProgram},
		},
		data: []byte{1},
	}
}

// deriveATA returns the associated token account address for an owner
// and mint: the program-derived address of
// [owner, token program, mint] under the ATA program.
func deriveATA(owner, mint solPubkey) (solPubkey, error) {
	return findProgramAddress([][]byte{owner[:], solTokenProgram[:], mint[:]}, solATAProgram)
}

// findProgramAddress searches bump seeds from 255 downward for the
// first derived hash that is not a valid ed25519 curve point (PDAs must
// have no private key).
func findProgramAddress(seeds [][]byte, program solPubkey) (solPubkey, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program[:])
		h.Write([]byte("ProgramDerivedAddress"))

		var candidate solPubkey
		copy(candidate[:], h.Sum(nil))
		if !isOnCurve(candidate) {
			return candidate, nil
		}
	}
	return solPubkey{}, fmt.Errorf("no viable program-derived address")
}

func isOnCurve(pk solPubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(pk[:])
	return err == nil
}

// buildTransaction assembles, signs, and serializes a legacy Solana
// transaction with a single signer (the fee payer).
//
// Account ordering follows the message format: fee payer first, then
// remaining writable signers, readonly signers, writable non-signers,
// readonly non-signers.
func buildTransaction(signer ed25519.PrivateKey, payer solPubkey, blockhash solPubkey, instrs []instruction) ([]byte, error) {
	type acctFlags struct {
		signer   bool
		writable bool
	}
	flags := map[solPubkey]*acctFlags{payer: {signer: true, writable: true}}
	order := []solPubkey{payer}

	note := func(pk solPubkey, signer, writable bool) {
		f, ok := flags[pk]
		if !ok {
			f = &acctFlags{}
			flags[pk] = f
			order = append(order, pk)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}
	for _, ix := range instrs {
		for _, m := range ix.accounts {
			note(m.pubkey, m.signer, m.writable)
		}
		note(ix.program, false, false)
	}

	var keys []solPubkey
	pick := func(signer, writable bool) {
		for _, pk := range order {
			f := flags[pk]
			if f.signer == signer && f.writable == writable {
				keys = append(keys, pk)
			}
		}
	}
	pick(true, true)
	pick(true, false)
	pick(false, true)
	pick(false, false)

	index := make(map[solPubkey]byte, len(keys))
	var numSigners, numReadonlySigned, numReadonlyUnsigned byte
	for i, pk := range keys {
		index[pk] = byte(i)
		f := flags[pk]
		if f.signer {
			numSigners++
			if !f.writable {
				numReadonlySigned++
			}
		} else if !f.writable {
			numReadonlyUnsigned++
		}
	}
	if numSigners != 1 {
		return nil, fmt.Errorf("expected exactly one signer, got %d", numSigners)
	}

	var msg bytes.Buffer
	msg.Write([]byte{numSigners, numReadonlySigned, numReadonlyUnsigned})
	msg.Write(compactU16(len(keys)))
	for _, pk := range keys {
		msg.Write(pk[:])
	}
	msg.Write(blockhash[:])
	msg.Write(compactU16(len(instrs)))
	for _, ix := range instrs {
		msg.WriteByte(index[ix.program])
		msg.Write(compactU16(len(ix.accounts)))
		for _, m := range ix.accounts {
			msg.WriteByte(index[m.pubkey])
		}
		msg.Write(compactU16(len(ix.data)))
		msg.Write(ix.data)
	}

	sig := ed25519.Sign(signer, msg.Bytes())

	var tx bytes.Buffer
	tx.Write(compactU16(1))
	tx.Write(sig)
	tx.Write(msg.Bytes())
	return tx.Bytes(), nil
}

// compactU16 is the Solana short-vec length encoding.
func compactU16(n int) []byte {
	var out []byte
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
