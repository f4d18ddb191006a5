package serializer

import "github.com/ValentinKolb/dNomad/rpc/common"

// IRPCSerializer encodes the RPC envelope for a transport
type IRPCSerializer interface {
	// Serialize encodes msg
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg, overwriting all of its fields
	Deserialize(b []byte, msg *common.Message) error
}
