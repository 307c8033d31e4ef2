package board

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/transport"
)

// NoBoard is the master_board value when none is given.
const NoBoard = -100

// IPProtocol selects the socket type for network boards.
type IPProtocol int

const (
	ProtocolNone IPProtocol = 0
	ProtocolUDP  IPProtocol = 1
	ProtocolTCP  IPProtocol = 2
)

// InputParams describes how to reach a board. It is parsed once per session
// and never modified afterwards.
type InputParams struct {
	SerialPort   string
	MACAddress   string
	IPAddress    string
	IPAddressAux string
	IPAddressAnc string
	IPPort       int
	IPPortAux    int
	IPPortAnc    int
	IPProtocol   IPProtocol
	OtherInfo    string
	Timeout      int // seconds, 0 means the configured default
	SerialNumber string
	File         string
	FileAux      string
	FileAnc      string
	MasterBoard  int
}

// ParseInputParams decodes params_json. Every field is optional; an empty
// string yields zero params.
func ParseInputParams(data string) (InputParams, error) {
	p := InputParams{MasterBoard: NoBoard}
	if strings.TrimSpace(data) == "" {
		return p, nil
	}

	obj, err := jason.NewObjectFromBytes([]byte(data))
	if err != nil {
		return p, invalidParams(err, "")
	}

	for key, value := range obj.Map() {
		if err := p.set(key, value); err != nil {
			return InputParams{MasterBoard: NoBoard}, invalidParams(err, key)
		}
	}
	if p.IPProtocol < ProtocolNone || p.IPProtocol > ProtocolTCP {
		return InputParams{MasterBoard: NoBoard}, invalidParams(fmt.Errorf("ip_protocol %d out of range", p.IPProtocol), "ip_protocol")
	}
	if p.Timeout < 0 {
		return InputParams{MasterBoard: NoBoard}, invalidParams(fmt.Errorf("negative timeout"), "timeout")
	}
	return p, nil
}

func invalidParams(err error, field string) error {
	b := errors.New(errors.Join(errcode.InvalidArguments, err)).
		Component("board").
		Category(errors.CategoryValidation)
	if field != "" {
		b = b.Context("field", field)
	}
	return b.Build()
}

func (p *InputParams) set(key string, v *jason.Value) error {
	if v.Null() == nil {
		return nil
	}
	str := func(dst *string) error {
		s, err := v.String()
		if err != nil {
			return err
		}
		*dst = s
		return nil
	}
	num := func(dst *int) error {
		if n, err := v.Int64(); err == nil {
			*dst = int(n)
			return nil
		}
		// Bindings sometimes send numbers as strings.
		s, err := v.String()
		if err != nil {
			return fmt.Errorf("%s must be a number", key)
		}
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s must be a number", key)
		}
		*dst = n
		return nil
	}

	switch key {
	case "serial_port":
		return str(&p.SerialPort)
	case "mac_address":
		return str(&p.MACAddress)
	case "ip_address":
		return str(&p.IPAddress)
	case "ip_address_aux":
		return str(&p.IPAddressAux)
	case "ip_address_anc":
		return str(&p.IPAddressAnc)
	case "ip_port":
		return num(&p.IPPort)
	case "ip_port_aux":
		return num(&p.IPPortAux)
	case "ip_port_anc":
		return num(&p.IPPortAnc)
	case "ip_protocol":
		var n int
		if err := num(&n); err != nil {
			return err
		}
		p.IPProtocol = IPProtocol(n)
	case "other_info":
		return str(&p.OtherInfo)
	case "timeout":
		return num(&p.Timeout)
	case "serial_number":
		return str(&p.SerialNumber)
	case "file":
		return str(&p.File)
	case "file_aux":
		return str(&p.FileAux)
	case "file_anc":
		return str(&p.FileAnc)
	case "master_board":
		return num(&p.MasterBoard)
	}
	// Unknown keys are ignored so newer bindings keep working.
	return nil
}

// TimeoutOr returns Timeout as a duration, or def when unset.
func (p InputParams) TimeoutOr(def time.Duration) time.Duration {
	if p.Timeout > 0 {
		return time.Duration(p.Timeout) * time.Second
	}
	return def
}

// PhysicalIdentity is the normalized device address the params point at,
// or "" when they name no device.
func (p InputParams) PhysicalIdentity() string {
	switch {
	case p.SerialPort != "":
		return "serial:" + transport.NormalizeSerialPort(p.SerialPort)
	case p.MACAddress != "":
		return "mac:" + transport.NormalizeMAC(p.MACAddress)
	case p.IPAddress != "" && p.IPPort != 0:
		return "ip:" + strings.ToLower(p.IPAddress) + ":" + strconv.Itoa(p.IPPort)
	}
	return ""
}

// Identity is the registry key part for these params: the physical identity
// when there is one, otherwise a canonical form of every field.
func (p InputParams) Identity() string {
	if id := p.PhysicalIdentity(); id != "" {
		return id
	}
	return fmt.Sprintf("params:%s|%s|%s|%s|%d|%d|%d|%s|%s|%s|%s|%s|%d|%d",
		p.IPAddress, p.IPAddressAux, p.IPAddressAnc, p.OtherInfo,
		p.IPPort, p.IPPortAux, p.IPPortAnc, p.SerialNumber,
		p.File, p.FileAux, p.FileAnc, p.MACAddress, p.IPProtocol, p.MasterBoard)
}
