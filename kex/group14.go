package kex

import "math/big"

// group14Hex is the RFC 3526 §3 MODP Group 14 (2048-bit) prime used by
// diffie-hellman-group14-sha1.
const group14Hex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD" +
	"129024E088A67CC74020BBEA63B139B22514A08798E3404" +
	"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C" +
	"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406" +
	"B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE" +
	"45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD" +
	"24CF5F83655D23DCA3AD961C62F356208552BB9ED529077" +
	"096966D670C354E4ABC9804F1746C08CA18217C32905E46" +
	"2E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF" +
	"06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261" +
	"898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"

var (
	group14P *big.Int
	group14G = big.NewInt(2)
)

func init() {
	p, ok := new(big.Int).SetString(group14Hex, 16)
	if !ok {
		panic("kex: invalid group14 prime constant")
	}
	group14P = p
}

// Group14P returns the MODP Group 14 prime p.
func Group14P() *big.Int { return new(big.Int).Set(group14P) }

// Group14G returns the MODP Group 14 generator g (= 2).
func Group14G() *big.Int { return new(big.Int).Set(group14G) }
