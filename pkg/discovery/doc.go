// Package discovery browses for network ADB devices over mDNS.
//
// Android devices with wireless debugging enabled advertise
// _adb-tls-connect._tcp services; older devices in tcpip mode advertise
// _adb._tcp. Browsing yields address/port candidates to hand to
// adb.NewTCPDevice. Pairing (_adb-tls-pairing._tcp) is a separate
// out-of-band step and is not handled here.
package discovery
