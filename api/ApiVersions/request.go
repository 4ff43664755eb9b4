package ApiVersions

import (
	"github.com/andrewjamesbrown/kafkaclient/api"
)

func NewRequest() *api.Request {
	return &api.Request{
		ApiKey:     api.ApiVersions,
		ApiVersion: 1,
		Body:       Request{},
	}
}

type Request struct{}
