package escrow

import (
	"encoding/json"
	"fmt"
)

// AssetKind identifies the token family of an asset ledger. It only drives
// display decimals.
type AssetKind uint8

const (
	AssetKindCkBtc AssetKind = iota
	AssetKindCkEth
)

var (
	assetToKind = map[string]AssetKind{
		"CkBtc": AssetKindCkBtc,
		"CkEth": AssetKindCkEth,
	}
	kindToAsset = map[AssetKind]string{
		AssetKindCkBtc: "CkBtc",
		AssetKindCkEth: "CkEth",
	}
)

// ParseAssetKind maps a wire name to an AssetKind.
func ParseAssetKind(s string) (AssetKind, bool) {
	k, ok := assetToKind[s]
	return k, ok
}

// Decimals returns the display decimal scale of the asset.
func (k AssetKind) Decimals() uint32 {
	switch k {
	case AssetKindCkEth:
		return 18
	default:
		return 8
	}
}

func (k AssetKind) String() string {
	if name, ok := kindToAsset[k]; ok {
		return name
	}
	return "Unknown"
}

func (k AssetKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *AssetKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseAssetKind(s)
	if !ok {
		return fmt.Errorf("unknown asset kind %q", s)
	}
	*k = parsed
	return nil
}
