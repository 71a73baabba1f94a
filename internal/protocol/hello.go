package protocol

// ProtocolVersion is the binary protocol version this package speaks.
const ProtocolVersion = 1

// HelloRequest is HELLO's optional capability handshake payload.
type HelloRequest struct {
	ClientName      string
	ProtocolVersion uint32
}

func (r HelloRequest) Encode() []byte {
	buf := appendLenPrefixed(nil, []byte(r.ClientName))
	return appendUint32(buf, r.ProtocolVersion)
}

func DecodeHelloRequest(buf []byte) (HelloRequest, error) {
	name, off, err := readLenPrefixed(buf, 0)
	if err != nil {
		return HelloRequest{}, err
	}
	version, _, err := readUint32(buf, off)
	if err != nil {
		return HelloRequest{}, err
	}
	return HelloRequest{ClientName: string(name), ProtocolVersion: version}, nil
}

// HelloReply acknowledges a HELLO.
type HelloReply struct {
	ServerVersion   string
	ProtocolVersion uint32
}

func (r HelloReply) Encode() []byte {
	buf := appendLenPrefixed(nil, []byte(r.ServerVersion))
	return appendUint32(buf, r.ProtocolVersion)
}

func DecodeHelloReply(buf []byte) (HelloReply, error) {
	version, off, err := readLenPrefixed(buf, 0)
	if err != nil {
		return HelloReply{}, err
	}
	protoVersion, _, err := readUint32(buf, off)
	if err != nil {
		return HelloReply{}, err
	}
	return HelloReply{ServerVersion: string(version), ProtocolVersion: protoVersion}, nil
}
