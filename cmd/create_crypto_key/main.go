// Copyright 2023 The DAP Aggregation Service Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This binary sets up the HPKE key pairs for one aggregator: it generates
// the keys, stores the private halves in Secret Manager or local files, and
// writes the public key manifest served on the config endpoint.
package main

import (
	"context"
	"flag"
	"fmt"

	log "github.com/golang/glog"

	"github.com/opendap/dap-aggregation-service/encryption/cryptoio"
)

var (
	keyCount  = flag.Int("key_count", 1, "Number of key pairs to generate.")
	notBefore = flag.String("not_before", "", "RFC3339 time the keys become valid. Empty means immediately.")
	notAfter  = flag.String("not_after", "", "RFC3339 time the keys expire. Empty means never.")

	secretProjectID     = flag.String("secret_project_id", "", "GCP project for Secret Manager. Empty stores the private keys in key_dir instead.")
	keyDir              = flag.String("key_dir", "", "Directory for private keys when Secret Manager is not used.")
	kmsKeyURI           = flag.String("kms_key_uri", "", "Optional KMS key wrapping the stored private keys.")
	kmsCredentialFile   = flag.String("kms_credential_file", "", "Credential file for the KMS key.")
	privateKeyParamsURI = flag.String("private_key_params_uri", "", "Output file recording where each private key is stored.")
	publicKeysURI       = flag.String("public_keys_uri", "", "Output file with the public key manifest.")
)

func main() {
	flag.Parse()

	ctx := context.Background()
	privKeys, pubInfo, err := cryptoio.GenerateHybridKeyPairs(ctx, *keyCount, *notBefore, *notAfter)
	if err != nil {
		log.Exit(err)
	}

	keyParams := make(map[uint8]*cryptoio.ReadStandardPrivateKeyParams)
	for configID, priv := range privKeys {
		filePath := ""
		if *secretProjectID == "" {
			filePath = fmt.Sprintf("%s/hpke_private_key_%d", *keyDir, configID)
		}
		saveParams := &cryptoio.SaveStandardPrivateKeyParams{
			KMSKeyURI:         *kmsKeyURI,
			KMSCredentialPath: *kmsCredentialFile,
			SecretProjectID:   *secretProjectID,
			SecretID:          fmt.Sprintf("hpke-private-key-%d", configID),
			FilePath:          filePath,
		}
		name, err := cryptoio.SaveStandardPrivateKey(ctx, saveParams, priv)
		if err != nil {
			log.Exit(err)
		}
		keyParams[configID] = &cryptoio.ReadStandardPrivateKeyParams{
			KMSKeyURI:         *kmsKeyURI,
			KMSCredentialPath: *kmsCredentialFile,
			SecretName:        name,
			FilePath:          filePath,
		}
		log.Infof("Saved private key for config ID %d", configID)
	}

	if err := cryptoio.SavePrivateKeyParamsCollection(ctx, keyParams, *privateKeyParamsURI); err != nil {
		log.Exit(err)
	}
	if err := cryptoio.SavePublicKeyVersions(ctx, pubInfo, *publicKeysURI); err != nil {
		log.Exit(err)
	}
	log.Infof("Generated %d key pair(s)", *keyCount)
}
