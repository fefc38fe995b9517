package resource

import (
	"strconv"

	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/message"
	"github.com/coapcore/coap/resource/linkformat"
)

// serveWellKnownCore answers GET /.well-known/core with the link-format
// directory of every Visible resource in the tree. Invisible resources are
// omitted from the listing but remain individually reachable by a
// direct GET to their path.
func (d *Deliverer) serveWellKnownCore(ex *exchange.Exchange, req *message.Message) {
	var links []linkformat.Link
	d.root.walk(func(r *Resource) {
		if r == d.root || !r.Visible {
			return
		}
		link := linkformat.Link{Target: r.Path()}
		if r.Attrs.Title != "" {
			link.Attrs = append(link.Attrs, linkformat.Attr{Name: "title", Value: r.Attrs.Title})
		}
		if len(r.Attrs.ResourceType) > 0 {
			link.Attrs = append(link.Attrs, linkformat.Attr{Name: "rt", Values: r.Attrs.ResourceType})
		}
		if len(r.Attrs.Interface) > 0 {
			link.Attrs = append(link.Attrs, linkformat.Attr{Name: "if", Values: r.Attrs.Interface})
		}
		if r.Attrs.sizeEstimateSet {
			link.Attrs = append(link.Attrs, linkformat.Attr{Name: "sz", Value: strconv.Itoa(r.Attrs.SizeEstimate)})
		}
		if r.Observable {
			link.Attrs = append(link.Attrs, linkformat.Attr{Name: "obs"})
		}
		links = append(links, link)
	})

	resp := message.New(message.Acknowledgement, message.Content, req.ID)
	resp.Token = req.Token
	resp.SetOption(message.ContentFormat, uint32(40)) // application/link-format
	resp.Payload = []byte(linkformat.Encode(links))
	ex.CurrentResponse = &resp
	if d.stack != nil {
		d.stack.SendResponse(ex, &resp)
	}
}
