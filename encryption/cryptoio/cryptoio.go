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

// Package cryptoio contains functions for reading and writing the
// aggregator's report-encryption keys.
package cryptoio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/tink/go/aead"
	"github.com/google/tink/go/core/registry"
	"github.com/google/tink/go/integration/gcpkms"
	"github.com/google/tink/go/keyset"
	"github.com/google/tink/go/tink"

	"github.com/opendap/dap-aggregation-service/encryption/standardencrypt"
	"github.com/opendap/dap-aggregation-service/shared/utils"
)

// PublicKeysEnv is the fallback environment variable for serving public keys.
const PublicKeysEnv = "DAPPUBLICKEYS"

// PublicKeyInfo contains the details of one report-encryption public key. The
// config ID is the one-byte identifier clients echo in their ciphertexts.
type PublicKeyInfo struct {
	ConfigID  uint8  `json:"config_id"`
	Key       string `json:"key"`
	NotBefore string `json:"not_before,omitempty"`
	NotAfter  string `json:"not_after,omitempty"`
}

// PublicKey decodes the base64-encoded key material.
func (info PublicKeyInfo) PublicKey() (*standardencrypt.StandardPublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(info.Key)
	if err != nil {
		return nil, err
	}
	return &standardencrypt.StandardPublicKey{Key: b}, nil
}

// SavePublicKeyVersions saves the public keys and corresponding information.
//
// Keys are saved as an environment variable when filePath is empty; otherwise
// as a local or GCS file.
func SavePublicKeyVersions(ctx context.Context, keys []PublicKeyInfo, filePath string) error {
	bKeys, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	if filePath == "" {
		os.Setenv(PublicKeysEnv, base64.StdEncoding.EncodeToString(bKeys))
		return nil
	}
	return utils.WriteBytes(ctx, bKeys, filePath)
}

// ReadPublicKeyVersions reads the public keys and corresponding information.
//
// When filePath is empty, keys are read from an environment variable;
// otherwise from a local or GCS file.
func ReadPublicKeyVersions(ctx context.Context, filePath string) ([]PublicKeyInfo, error) {
	var (
		bKeys []byte
		err   error
	)
	if filePath == "" {
		strKeys := os.Getenv(PublicKeysEnv)
		if strKeys == "" {
			return nil, fmt.Errorf("empty environment variable %q for public keys", PublicKeysEnv)
		}
		bKeys, err = base64.StdEncoding.DecodeString(strKeys)
		if err != nil {
			return nil, err
		}
	} else {
		bKeys, err = utils.ReadBytes(ctx, filePath)
		if err != nil {
			return nil, err
		}
	}
	var keys []PublicKeyInfo
	err = json.Unmarshal(bKeys, &keys)
	return keys, err
}

func getAEADForKMS(keyURI, credentialPath string) (tink.AEAD, error) {
	var (
		gcpclient registry.KMSClient
		err       error
	)
	if credentialPath != "" {
		gcpclient, err = gcpkms.NewClientWithCredentials(keyURI, credentialPath)
	} else {
		gcpclient, err = gcpkms.NewClient(keyURI)
	}
	if err != nil {
		return nil, err
	}
	registry.RegisterKMSClient(gcpclient)

	dek := aead.AES128CTRHMACSHA256KeyTemplate()
	kh, err := keyset.NewHandle(aead.KMSEnvelopeAEADKeyTemplate(keyURI, dek))
	if err != nil {
		return nil, err
	}

	return aead.New(kh)
}

// KMSEncryptData encrypts the input data with GCP KMS.
//
// The key URI should be in the following format, and the key version is not needed.
// "gcp-kms://projects/<GCP ID>/locations/<key location>/keyRings/<key ring name>/cryptoKeys/<key name>"
func KMSEncryptData(ctx context.Context, keyURI, credentialPath string, data []byte) ([]byte, error) {
	a, err := getAEADForKMS(keyURI, credentialPath)
	if err != nil {
		return nil, err
	}
	return a.Encrypt(data, nil)
}

// KMSDecryptData decrypts the input data with GCP KMS.
func KMSDecryptData(ctx context.Context, keyURI, credentialPath string, encryptedData []byte) ([]byte, error) {
	a, err := getAEADForKMS(keyURI, credentialPath)
	if err != nil {
		return nil, err
	}
	return a.Decrypt(encryptedData, nil)
}

// ReadStandardPrivateKeyParams contains necessary parameters for function ReadStandardPrivateKey.
type ReadStandardPrivateKeyParams struct {
	// KMSKeyURI and KMSCredentialPath are required by Google Key Management
	// service. If KMSKeyURI is empty, the private key is not encrypted with KMS.
	KMSKeyURI, KMSCredentialPath string
	// SecretName is required by Google SecretManager service.
	// If SecretName is empty, the key is stored without SecretManager.
	SecretName string
	// File path of the (encrypted) private key if it's not stored with SecretManager.
	FilePath string
}

// ReadStandardPrivateKey reads one report-decryption private key.
func ReadStandardPrivateKey(ctx context.Context, params *ReadStandardPrivateKeyParams) (*standardencrypt.StandardPrivateKey, error) {
	var (
		data []byte
		err  error
	)
	if params.SecretName != "" {
		data, err = utils.ReadSecret(ctx, params.SecretName)
	} else {
		data, err = utils.ReadBytes(ctx, params.FilePath)
	}
	if err != nil {
		return nil, err
	}
	if params.KMSKeyURI != "" {
		data, err = KMSDecryptData(ctx, params.KMSKeyURI, params.KMSCredentialPath, data)
	}
	return &standardencrypt.StandardPrivateKey{Key: data}, err
}

// SaveStandardPrivateKeyParams contains necessary parameters for function SaveStandardPrivateKey.
type SaveStandardPrivateKeyParams struct {
	// KMSKeyURI and KMSCredentialPath are required by Google Key Management
	// service. If KMSKeyURI is empty, the private key is not encrypted with KMS.
	KMSKeyURI, KMSCredentialPath string
	// SecretProjectID and SecretID are required by Google SecretManager service.
	// If SecretProjectID is empty, the key is stored without SecretManager.
	SecretProjectID, SecretID string
	// File path of the (encrypted) private key if it's not stored with SecretManager.
	FilePath string
}

// SaveStandardPrivateKey saves one report-decryption private key.
//
// When the private key is stored with Google SecretManager, a secret name is
// returned. Private keys may be stored without KMS encryption for testing
// only, otherwise they should always be encrypted before storage.
func SaveStandardPrivateKey(ctx context.Context, params *SaveStandardPrivateKeyParams, privateKey *standardencrypt.StandardPrivateKey) (string, error) {
	data := privateKey.Key
	var err error
	if params.KMSKeyURI != "" {
		data, err = KMSEncryptData(ctx, params.KMSKeyURI, params.KMSCredentialPath, data)
		if err != nil {
			return "", err
		}
	}
	if params.SecretProjectID != "" {
		return utils.SaveSecret(ctx, data, params.SecretProjectID, params.SecretID)
	}
	return "", utils.WriteBytes(ctx, data, params.FilePath)
}

// SavePrivateKeyParamsCollection saves the information how the private keys
// are stored, keyed by config ID.
func SavePrivateKeyParamsCollection(ctx context.Context, idKeys map[uint8]*ReadStandardPrivateKeyParams, uri string) error {
	b, err := json.Marshal(idKeys)
	if err != nil {
		return err
	}
	return utils.WriteBytes(ctx, b, uri)
}

// ReadPrivateKeyParamsCollection reads the information how the private keys can be read.
func ReadPrivateKeyParamsCollection(ctx context.Context, filePath string) (map[uint8]*ReadStandardPrivateKeyParams, error) {
	b, err := utils.ReadBytes(ctx, filePath)
	if err != nil {
		return nil, err
	}
	output := make(map[uint8]*ReadStandardPrivateKeyParams)
	if err := json.Unmarshal(b, &output); err != nil {
		return nil, err
	}
	return output, nil
}

// ReadPrivateKeyCollection reads the private key storage information from a
// file, and then uses it to read the private keys.
func ReadPrivateKeyCollection(ctx context.Context, filePath string) (map[uint8]*standardencrypt.StandardPrivateKey, error) {
	keyParams, err := ReadPrivateKeyParamsCollection(ctx, filePath)
	if err != nil {
		return nil, err
	}
	keys := make(map[uint8]*standardencrypt.StandardPrivateKey)
	for configID, params := range keyParams {
		key, err := ReadStandardPrivateKey(ctx, params)
		if err != nil {
			return nil, err
		}
		keys[configID] = key
	}
	return keys, nil
}

// GenerateHybridKeyPairs generates report-encryption key pairs with the
// specified valid time window. Config IDs are assigned sequentially.
func GenerateHybridKeyPairs(ctx context.Context, keyCount int, notBefore, notAfter string) (map[uint8]*standardencrypt.StandardPrivateKey, []PublicKeyInfo, error) {
	if keyCount <= 0 || keyCount > 256 {
		return nil, nil, fmt.Errorf("expect key count in [1, 256], got %d", keyCount)
	}
	privKeys := make(map[uint8]*standardencrypt.StandardPrivateKey)
	var pubInfo []PublicKeyInfo
	for i := 0; i < keyCount; i++ {
		configID := uint8(i)
		priv, pub, err := standardencrypt.GenerateStandardKeyPair()
		if err != nil {
			return nil, nil, err
		}
		privKeys[configID] = priv
		pubInfo = append(pubInfo, PublicKeyInfo{
			ConfigID:  configID,
			Key:       base64.StdEncoding.EncodeToString(pub.Key),
			NotBefore: notBefore,
			NotAfter:  notAfter,
		})
	}
	return privKeys, pubInfo, nil
}
