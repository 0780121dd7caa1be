package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInitiateTransfer(t *testing.T) {
	tests := []struct {
		name    string
		req     InitiateTransfer
		wantErr string
	}{
		{name: "valid", req: InitiateTransfer{Signer: "0xalice", Recipient: "0xbob", NewState: "in_use"}},
		{name: "missing signer", req: InitiateTransfer{Recipient: "0xbob"}, wantErr: "signer: cannot be blank."},
		{name: "missing recipient", req: InitiateTransfer{Signer: "0xalice"}, wantErr: "recipient: cannot be blank."},
		{name: "self transfer", req: InitiateTransfer{Signer: "0xAlice", Recipient: "0xalice"}, wantErr: "recipient: recipient must differ from signer."},
		{name: "oversized signer", req: InitiateTransfer{Signer: strings.Repeat("a", 300), Recipient: "0xbob"}, wantErr: "signer: the length must be between 1 and 256."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.ValidateInitiateTransfer()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestValidateTransferDecision(t *testing.T) {
	d := TransferDecision{Signer: "0xbob", Reason: "wrong battery"}
	assert.NoError(t, d.ValidateTransferDecision())

	d = TransferDecision{}
	assert.EqualError(t, d.ValidateTransferDecision(), "signer: cannot be blank.")
}

func TestValidateAssetID(t *testing.T) {
	assert.NoError(t, ValidateAssetID("BIN-0042"))
	assert.Error(t, ValidateAssetID(""))
	assert.Error(t, ValidateAssetID("BIN 42"))
}

func TestToWatchedAsset(t *testing.T) {
	w := WatchAsset{MetaData: map[string]interface{}{"chemistry": "NMC"}}
	asset := w.ToWatchedAsset("BIN-1")
	assert.Equal(t, "BIN-1", asset.AssetID)
	assert.Equal(t, "NMC", asset.MetaData["chemistry"])
}
