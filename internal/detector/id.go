package detector

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/mevengine/internal/domain"
)

// OpportunityID is keccak256 over the canonical encoding of the fields that
// identify an opportunity: chain, type, source ref, state key and path.
func OpportunityID(o *domain.Opportunity) string {
	buf := make([]byte, 0, 256)
	buf = binary.BigEndian.AppendUint64(buf, o.ChainID)
	buf = append(buf, byte(o.Type))
	buf = appendString(buf, o.SourceRef)
	buf = appendString(buf, o.StateKey)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(o.Path)))
	for _, h := range o.Path {
		buf = appendString(buf, h.Protocol)
		buf = append(buf, h.Pool.Bytes()...)
		buf = append(buf, h.TokenIn.Bytes()...)
		buf = append(buf, h.TokenOut.Bytes()...)
		var amt []byte
		if h.Amount != nil {
			amt = h.Amount.Bytes()
		}
		buf = appendString(buf, string(amt))
	}
	return crypto.Keccak256Hash(buf).Hex()
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}
