package registry

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errAlreadyBound = errors.New("name is already bound")
	errNotBound     = errors.New("name is not bound")
)

// Entry maps an endpoint name to the address its connector serves on.
type Entry struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls,omitempty"`
}

func (e Entry) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("entry name is required")
	}
	if strings.ContainsAny(e.Name, "/ ") {
		return fmt.Errorf("entry name %q must not contain '/' or spaces", e.Name)
	}
	if e.Port <= 0 || e.Port > math.MaxUint16 {
		return fmt.Errorf("entry port %d out of range", e.Port)
	}
	return nil
}

func (e Entry) toStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"name": structpb.NewStringValue(e.Name),
		"host": structpb.NewStringValue(e.Host),
		"port": structpb.NewNumberValue(float64(e.Port)),
		"tls":  structpb.NewBoolValue(e.TLS),
	}}
}

func entryFromStruct(s *structpb.Struct) (Entry, error) {
	if s == nil {
		return Entry{}, errors.New("entry is empty")
	}
	fields := s.GetFields()
	port := fields["port"].GetNumberValue()
	if port != math.Trunc(port) {
		return Entry{}, fmt.Errorf("entry port %v is not an integer", port)
	}
	entry := Entry{
		Name: fields["name"].GetStringValue(),
		Host: fields["host"].GetStringValue(),
		Port: int(port),
		TLS:  fields["tls"].GetBoolValue(),
	}
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
