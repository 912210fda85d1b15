package chain

func init() {
	Register(&Params{
		Network:  Bitcoin,
		Symbol:   "BTC",
		Name:     "Bitcoin",
		Type:     TypeUTXO,
		Decimals: 8,

		PubKeyHashAddrID: 0x00, // 1...
		ScriptHashAddrID: 0x05, // 3...
		Bech32HRP:        "bc",
		WIF:              0x80,
		HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
		HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub
	})

	Register(&Params{
		Network:  BitcoinTestnet,
		Symbol:   "BTC",
		Name:     "Bitcoin Testnet",
		Type:     TypeUTXO,
		Decimals: 8,
		Testnet:  true,

		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0xC4, // 2...
		Bech32HRP:        "tb",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub
	})

	Register(&Params{
		Network:  Litecoin,
		Symbol:   "LTC",
		Name:     "Litecoin",
		Type:     TypeUTXO,
		Decimals: 8,

		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		WIF:              0xB0,
		HDPrivateKeyID:   [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
		HDPublicKeyID:    [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub
		Magic:            0xdbb6c0fb,
	})

	Register(&Params{
		Network:  LitecoinTest,
		Symbol:   "LTC",
		Name:     "Litecoin Testnet",
		Type:     TypeUTXO,
		Decimals: 8,
		Testnet:  true,

		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0x3A, // Q...
		Bech32HRP:        "tltc",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
		HDPublicKeyID:    [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub
		Magic:            0xf1c8d2fd,
	})

	Register(&Params{
		Network:  Ethereum,
		Symbol:   "ETH",
		Name:     "Ethereum",
		Type:     TypeAccount,
		Decimals: 18,
		ChainID:  1,
	})

	Register(&Params{
		Network:  EthRinkeby,
		Symbol:   "ETH",
		Name:     "Ethereum Rinkeby",
		Type:     TypeAccount,
		Decimals: 18,
		Testnet:  true,
		ChainID:  4,
	})
}
