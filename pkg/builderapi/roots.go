package builderapi

import (
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/pk910/dynamic-ssz/hasher"
	"github.com/pk910/dynamic-ssz/sszutils"
)

const (
	maxTransactionsPerPayload = 1048576
	maxBytesPerTransaction    = 1073741824
)

// TransactionsRoot computes the SSZ hash tree root of a payload's transaction
// list (List[ByteList]). The reveal path compares this root against the
// commitment in the blinded block's payload header.
func TransactionsRoot(txs []bellatrix.Transaction) ([32]byte, error) {
	var root [32]byte

	err := hasher.WithDefaultHasher(func(hh sszutils.HashWalker) error {
		vlen := uint64(len(txs))
		if vlen > maxTransactionsPerPayload {
			return sszutils.ErrListTooBig
		}

		idx := hh.Index()

		for i := range txs {
			tx := txs[i]

			txLen := uint64(len(tx))
			if txLen > maxBytesPerTransaction {
				return sszutils.ErrListTooBig
			}

			idxTx := hh.Index()
			hh.AppendBytes32(tx)
			hh.MerkleizeWithMixin(idxTx, txLen, sszutils.CalculateLimit(maxBytesPerTransaction, txLen, 1))
		}

		hh.MerkleizeWithMixin(idx, vlen, sszutils.CalculateLimit(maxTransactionsPerPayload, vlen, 32))

		var err error
		root, err = hh.HashRoot()

		return err
	})

	return root, err
}
