package proposer

import (
	"testing"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestCandidateValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *CandidateBlock)
		wantErr string
	}{
		{
			name:   "valid full deneb",
			mutate: func(_ *CandidateBlock) {},
		},
		{
			name: "version and block disagree",
			mutate: func(c *CandidateBlock) {
				c.Version = spec.DataVersionCapella
			},
			wantErr: "no capella block",
		},
		{
			name: "blinded flag without blinded block",
			mutate: func(c *CandidateBlock) {
				c.Blinded = true
			},
			wantErr: "no deneb block",
		},
		{
			name: "blobs before the blob fork",
			mutate: func(c *CandidateBlock) {
				c.Version = spec.DataVersionCapella
				c.Deneb = nil
				c.Capella = &capella.BeaconBlock{}
			},
			wantErr: "before the blob fork",
		},
		{
			name: "blobs and proofs misaligned",
			mutate: func(c *CandidateBlock) {
				c.KZGProofs = c.KZGProofs[:1]
			},
			wantErr: "disagree",
		},
		{
			name: "full candidate with blob roots",
			mutate: func(c *CandidateBlock) {
				c.BlobRoots = []phase0.Root{{}}
			},
			wantErr: "blinded blob roots",
		},
		{
			name: "blob material and body commitments disagree",
			mutate: func(c *CandidateBlock) {
				c.Deneb.Body.BlobKZGCommitments = c.Deneb.Body.BlobKZGCommitments[:1]
			},
			wantErr: "body commitments disagree",
		},
		{
			name: "missing value",
			mutate: func(c *CandidateBlock) {
				c.Value = nil
			},
			wantErr: "no value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := &CandidateBlock{
				Version: spec.DataVersionDeneb,
				Source:  SourceEngine,
				Value:   uint256.NewInt(1),
				Deneb: &deneb.BeaconBlock{
					Body: &deneb.BeaconBlockBody{
						BlobKZGCommitments: make([]deneb.KZGCommitment, 2),
					},
				},
				Blobs:     make([]deneb.Blob, 2),
				KZGProofs: make([]deneb.KZGProof, 2),
			}
			tt.mutate(candidate)

			err := candidate.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
