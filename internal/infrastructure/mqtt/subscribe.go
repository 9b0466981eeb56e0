package mqtt

import "github.com/eclipse/paho.mqtt.golang/packets"

// SubackFailure is the SUBACK return code for a rejected filter.
const SubackFailure byte = 0x80

// NewSubscribePacket builds one SUBSCRIBE carrying every filter.
// filters and qos are parallel slices.
//
// Example:
//
//	pkt := mqtt.NewSubscribePacket(7, []string{"esp8266/#"}, []byte{1})
func NewSubscribePacket(id uint16, filters []string, qos []byte) *packets.SubscribePacket {
	p := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	p.MessageID = id
	p.Topics = append([]string(nil), filters...)
	p.Qoss = append([]byte(nil), qos...)
	return p
}

// NewUnsubscribePacket builds an UNSUBSCRIBE for the given filters.
func NewUnsubscribePacket(id uint16, filters ...string) *packets.UnsubscribePacket {
	p := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	p.MessageID = id
	p.Topics = append([]string(nil), filters...)
	return p
}

// SubackError reports the first rejected filter in a SUBACK, or "" and false.
func SubackError(ack *packets.SubackPacket, filters []string) (string, bool) {
	for i, code := range ack.ReturnCodes {
		if code == SubackFailure {
			if i < len(filters) {
				return filters[i], true
			}
			return "", true
		}
	}
	return "", false
}
