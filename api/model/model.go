/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"errors"
	"strings"

	"github.com/cellmark/cellmark/model"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const maxIdentityLength = 256

type WatchAsset struct {
	MetaData map[string]interface{} `json:"meta_data"`
}

type InitiateTransfer struct {
	Signer    string `json:"signer"`
	Recipient string `json:"recipient"`
	NewState  string `json:"new_state"`
}

// TransferDecision is the body of accept, reject and cancel.
type TransferDecision struct {
	Signer string `json:"signer"`
	Reason string `json:"reason"`
}

func identityRules() []validation.Rule {
	return []validation.Rule{validation.Required, validation.Length(1, maxIdentityLength)}
}

func ValidateAssetID(assetID string) error {
	return validation.Validate(assetID,
		validation.Required,
		validation.Length(1, maxIdentityLength),
		validation.By(func(value interface{}) error {
			if strings.ContainsAny(value.(string), " \t\n/") {
				return errors.New("must not contain whitespace or slashes")
			}
			return nil
		}),
	)
}

func (t *InitiateTransfer) ValidateInitiateTransfer() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Signer, identityRules()...),
		validation.Field(&t.Recipient, append(identityRules(), validation.By(func(value interface{}) error {
			if strings.EqualFold(value.(string), t.Signer) {
				return errors.New("recipient must differ from signer")
			}
			return nil
		}))...),
		validation.Field(&t.NewState, validation.Length(0, 64)),
	)
}

func (d *TransferDecision) ValidateTransferDecision() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Signer, identityRules()...),
		validation.Field(&d.Reason, validation.Length(0, 512)),
	)
}

func (w *WatchAsset) ToWatchedAsset(assetID string) model.WatchedAsset {
	return model.WatchedAsset{AssetID: assetID, MetaData: w.MetaData}
}
