package geodb

import (
	"fmt"
	"strconv"
	"strings"
)

const errInvalidIPAddrFmt = "invalid IP address: %s"
const errInvalidCIDRFmt = "invalid CIDR notation: %s"

// ParseIPAddress converts an IPv4 address from octet notation to its 32-bit
// unsigned integer value.
func ParseIPAddress(ipAddr string) (ip uint32, err error) {
	octets := strings.Split(ipAddr, ".")
	if len(octets) != 4 {
		err = fmt.Errorf(errInvalidIPAddrFmt, ipAddr)
		return
	}

	for _, octet := range octets {
		var b int

		b, err = strconv.Atoi(octet)
		if err != nil || b < 0 || b > 255 {
			err = fmt.Errorf(errInvalidIPAddrFmt, ipAddr)
			return
		}

		ip <<= 8
		ip |= uint32(b)
	}

	return ip, nil
}

// ParseCIDR converts a CIDR notation into a 32-bit unsigned integer prefix
// and its corresponding mask.
func ParseCIDR(cidr string) (prefix uint32, mask uint32, err error) {
	splitted := strings.Split(cidr, "/")
	if len(splitted) != 2 {
		err = fmt.Errorf(errInvalidCIDRFmt, cidr)
		return
	}

	ipAddr, suffix := splitted[0], splitted[1]
	ip, err := ParseIPAddress(ipAddr)
	if err != nil {
		err = fmt.Errorf(errInvalidCIDRFmt, cidr)
		return
	}

	bits, err := strconv.Atoi(suffix)
	if err != nil || bits < 0 || bits > 32 {
		err = fmt.Errorf(errInvalidCIDRFmt, cidr)
		return
	}

	mask = uint32(0xffffffff) << uint32(32-bits)
	prefix = ip & mask
	return
}

// ToOctets converts a 32-bit unsigned integer into "*.*.*.*" format.
func ToOctets(ip uint32) string {
	octets := []string{}
	for ip > 0 {
		octet := fmt.Sprint(ip % 256)
		octets = append([]string{octet}, octets...)
		ip >>= 8
	}
	return strings.Join(octets, ".")
}

// InAddressSpace checks if an IP address lies in the address space defined
// by a CIDR notation.
func InAddressSpace(ipAddr string, cidr string) (result bool, err error) {
	ip, err := ParseIPAddress(ipAddr)
	if err != nil {
		return
	}

	prefix, mask, err := ParseCIDR(cidr)
	if err != nil {
		return
	}

	result = (ip & mask) == prefix
	return
}

// specialPurposeCIDRs are the IANA special-purpose IPv4 address blocks
// (RFC 6890). Addresses in these blocks never appear in geo data sets.
var specialPurposeCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
}

// IsSpecialPurposeAddress reports whether an address falls in one of the
// IANA special-purpose blocks.
func IsSpecialPurposeAddress(ipAddr string) (special bool, err error) {
	for _, cidr := range specialPurposeCIDRs {
		special, err = InAddressSpace(ipAddr, cidr)
		if special || err != nil {
			return
		}
	}
	return
}
