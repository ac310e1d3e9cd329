package chanstore

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/paychan"
	"github.com/lightninglabs/paychan/chanscript"
	"github.com/lightningnetwork/lnd/tlv"
)

// TLV types for the fields of a StoredClientChannel record. Kept in
// their own numbering space from the server types below — each struct
// gets its own tlv.Stream, so there is no risk of collision.
const (
	typeClientID            tlv.Type = 0
	typeClientMajorVersion  tlv.Type = 1
	typeClientContract      tlv.Type = 2
	typeClientRefund        tlv.Type = 3
	typeClientKey           tlv.Type = 4
	typeClientValueToClient tlv.Type = 5
	typeClientRefundFees    tlv.Type = 6
	typeClientActive        tlv.Type = 7
	typeClientCloseTx       tlv.Type = 8
)

// encodeClientChannel serializes rec as a TLV stream, the same encoding
// strategy channeldb/invoices.go uses for its own persisted records.
// CloseTx is only written once set, the standard TLV idiom for an
// optional field — a decoder that doesn't find the type simply leaves
// the target at its zero value.
func encodeClientChannel(rec *paychan.StoredClientChannel) ([]byte, error) {
	var (
		idBytes        [32]byte
		majorVersion   = uint32(rec.MajorVersion)
		keyBytes       [32]byte
		valueToClient  = uint64(rec.ValueToClient)
		refundFees     = uint64(rec.RefundFees)
		active         uint8
		contractBytes  []byte
		refundBytes    []byte
	)

	copy(idBytes[:], rec.ID[:])
	copy(keyBytes[:], rec.ClientKey.Serialize())
	if rec.Active {
		active = 1
	}

	var err error
	contractBytes, err = chanscript.SerializeTx(rec.Contract)
	if err != nil {
		return nil, fmt.Errorf("chanstore: serializing contract: %w", err)
	}
	if rec.Refund != nil {
		refundBytes, err = chanscript.SerializeTx(rec.Refund)
		if err != nil {
			return nil, fmt.Errorf("chanstore: serializing refund: %w", err)
		}
	}

	// Records must be supplied to tlv.NewStream in ascending order of
	// type, so the optional refund field is spliced in at its numeric
	// position rather than appended.
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeClientID, &idBytes),
		tlv.MakePrimitiveRecord(typeClientMajorVersion, &majorVersion),
		tlv.MakePrimitiveRecord(typeClientContract, &contractBytes),
	}
	if refundBytes != nil {
		records = append(records,
			tlv.MakePrimitiveRecord(typeClientRefund, &refundBytes))
	}
	records = append(records,
		tlv.MakePrimitiveRecord(typeClientKey, &keyBytes),
		tlv.MakePrimitiveRecord(typeClientValueToClient, &valueToClient),
		tlv.MakePrimitiveRecord(typeClientRefundFees, &refundFees),
		tlv.MakePrimitiveRecord(typeClientActive, &active),
	)
	if rec.CloseTx != nil {
		closeTxBytes, err := chanscript.SerializeTx(rec.CloseTx)
		if err != nil {
			return nil, fmt.Errorf("chanstore: serializing close tx: %w", err)
		}
		records = append(records,
			tlv.MakePrimitiveRecord(typeClientCloseTx, &closeTxBytes))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, fmt.Errorf("chanstore: building tlv stream: %w", err)
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, fmt.Errorf("chanstore: encoding client channel: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeClientChannel parses the encoding produced by
// encodeClientChannel.
func decodeClientChannel(raw []byte) (*paychan.StoredClientChannel, error) {
	var (
		idBytes       [32]byte
		majorVersion  uint32
		keyBytes      [32]byte
		valueToClient uint64
		refundFees    uint64
		active        uint8
		contractBytes []byte
		refundBytes   []byte
		closeTxBytes  []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeClientID, &idBytes),
		tlv.MakePrimitiveRecord(typeClientMajorVersion, &majorVersion),
		tlv.MakePrimitiveRecord(typeClientContract, &contractBytes),
		tlv.MakePrimitiveRecord(typeClientRefund, &refundBytes),
		tlv.MakePrimitiveRecord(typeClientKey, &keyBytes),
		tlv.MakePrimitiveRecord(typeClientValueToClient, &valueToClient),
		tlv.MakePrimitiveRecord(typeClientRefundFees, &refundFees),
		tlv.MakePrimitiveRecord(typeClientActive, &active),
		tlv.MakePrimitiveRecord(typeClientCloseTx, &closeTxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("chanstore: building tlv stream: %w", err)
	}

	if err := stream.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("chanstore: decoding client channel: %w", err)
	}

	contract, err := chanscript.DeserializeTx(contractBytes)
	if err != nil {
		return nil, fmt.Errorf("chanstore: parsing contract: %w", err)
	}

	rec := &paychan.StoredClientChannel{
		MajorVersion:  int(majorVersion),
		Contract:      contract,
		ClientKey:     privKeyFromBytes(keyBytes[:]),
		ValueToClient: int64(valueToClient),
		RefundFees:    int64(refundFees),
		Active:        active != 0,
	}
	copy(rec.ID[:], idBytes[:])

	if len(refundBytes) > 0 {
		refund, err := chanscript.DeserializeTx(refundBytes)
		if err != nil {
			return nil, fmt.Errorf("chanstore: parsing refund: %w", err)
		}
		rec.Refund = refund
	}
	if len(closeTxBytes) > 0 {
		closeTx, err := chanscript.DeserializeTx(closeTxBytes)
		if err != nil {
			return nil, fmt.Errorf("chanstore: parsing close tx: %w", err)
		}
		rec.CloseTx = closeTx
	}

	return rec, nil
}

// TLV types for the fields of a StoredServerChannel record.
const (
	typeServerID                 tlv.Type = 0
	typeServerMajorVersion       tlv.Type = 1
	typeServerKey                tlv.Type = 2
	typeServerClientKey          tlv.Type = 3
	typeServerBestValueToServer  tlv.Type = 4
	typeServerBestValueSignature tlv.Type = 5
	typeServerContract           tlv.Type = 6
	typeServerCloseTx            tlv.Type = 7
)

func encodeServerChannel(rec *paychan.StoredServerChannel) ([]byte, error) {
	var (
		idBytes           [32]byte
		majorVersion       = uint32(rec.MajorVersion)
		serverKeyBytes     [32]byte
		bestValueToServer  = uint64(rec.BestValueToServer)
	)

	copy(idBytes[:], rec.ID[:])
	copy(serverKeyBytes[:], rec.ServerKey.Serialize())
	clientKeyBytes := rec.ClientKey.SerializeCompressed()

	contractBytes, err := chanscript.SerializeTx(rec.Contract)
	if err != nil {
		return nil, fmt.Errorf("chanstore: serializing contract: %w", err)
	}

	// As in encodeClientChannel, optional fields are spliced in at their
	// numeric position to keep the record list in ascending type order.
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeServerID, &idBytes),
		tlv.MakePrimitiveRecord(typeServerMajorVersion, &majorVersion),
		tlv.MakePrimitiveRecord(typeServerKey, &serverKeyBytes),
		tlv.MakePrimitiveRecord(typeServerClientKey, &clientKeyBytes),
		tlv.MakePrimitiveRecord(typeServerBestValueToServer, &bestValueToServer),
	}
	if rec.BestValueSignature != nil {
		sig := rec.BestValueSignature
		records = append(records,
			tlv.MakePrimitiveRecord(typeServerBestValueSignature, &sig))
	}
	records = append(records,
		tlv.MakePrimitiveRecord(typeServerContract, &contractBytes),
	)
	if rec.CloseTx != nil {
		closeTxBytes, err := chanscript.SerializeTx(rec.CloseTx)
		if err != nil {
			return nil, fmt.Errorf("chanstore: serializing close tx: %w", err)
		}
		records = append(records,
			tlv.MakePrimitiveRecord(typeServerCloseTx, &closeTxBytes))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, fmt.Errorf("chanstore: building tlv stream: %w", err)
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, fmt.Errorf("chanstore: encoding server channel: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeServerChannel(raw []byte) (*paychan.StoredServerChannel, error) {
	var (
		idBytes           [32]byte
		majorVersion      uint32
		serverKeyBytes    [32]byte
		clientKeyBytes    []byte
		bestValueToServer uint64
		bestValueSig      []byte
		contractBytes     []byte
		closeTxBytes      []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeServerID, &idBytes),
		tlv.MakePrimitiveRecord(typeServerMajorVersion, &majorVersion),
		tlv.MakePrimitiveRecord(typeServerKey, &serverKeyBytes),
		tlv.MakePrimitiveRecord(typeServerClientKey, &clientKeyBytes),
		tlv.MakePrimitiveRecord(typeServerBestValueToServer, &bestValueToServer),
		tlv.MakePrimitiveRecord(typeServerBestValueSignature, &bestValueSig),
		tlv.MakePrimitiveRecord(typeServerContract, &contractBytes),
		tlv.MakePrimitiveRecord(typeServerCloseTx, &closeTxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("chanstore: building tlv stream: %w", err)
	}

	if err := stream.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("chanstore: decoding server channel: %w", err)
	}

	contract, err := chanscript.DeserializeTx(contractBytes)
	if err != nil {
		return nil, fmt.Errorf("chanstore: parsing contract: %w", err)
	}

	clientPub, err := btcec.ParsePubKey(clientKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("chanstore: parsing client public key: %w", err)
	}

	rec := &paychan.StoredServerChannel{
		MajorVersion:       int(majorVersion),
		ServerKey:          privKeyFromBytes(serverKeyBytes[:]),
		ClientKey:          clientPub,
		BestValueToServer:  int64(bestValueToServer),
		BestValueSignature: bestValueSig,
		Contract:           contract,
	}
	copy(rec.ID[:], idBytes[:])

	if len(closeTxBytes) > 0 {
		closeTx, err := chanscript.DeserializeTx(closeTxBytes)
		if err != nil {
			return nil, fmt.Errorf("chanstore: parsing close tx: %w", err)
		}
		rec.CloseTx = closeTx
	}

	return rec, nil
}

func privKeyFromBytes(b []byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv
}
