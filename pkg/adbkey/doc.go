// Package adbkey manages the persistent RSA identity an ADB client presents
// to devices: loading and generating the PKCS#8 PEM key, the Android-specific
// public key serialization sent during authentication, and PKCS#1 v1.5
// signing of AUTH challenge tokens.
//
// The key lives at $HOME/.android/adbkey by convention. A fresh random key is
// generated on first use; the device user then has to authorize it once.
package adbkey
