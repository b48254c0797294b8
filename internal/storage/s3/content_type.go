package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
)

type contentTypeKey struct{}

func withContentType(ctx context.Context, contentType string) context.Context {
	if contentType == "" {
		return ctx
	}
	return context.WithValue(ctx, contentTypeKey{}, contentType)
}

// addContentType sets Content-Type on uploads whose input was built without one, such as
// the transporter's. The value travels on the request context.
func addContentType(stack *middleware.Stack) error {
	return stack.Initialize.Add(middleware.InitializeMiddlewareFunc("TileContentType",
		func(ctx context.Context, in middleware.InitializeInput, next middleware.InitializeHandler) (
			middleware.InitializeOutput, middleware.Metadata, error,
		) {
			if contentType, ok := ctx.Value(contentTypeKey{}).(string); ok {
				switch params := in.Parameters.(type) {
				case *s3.PutObjectInput:
					if params.ContentType == nil {
						params.ContentType = aws.String(contentType)
					}
				case *s3.CreateMultipartUploadInput:
					if params.ContentType == nil {
						params.ContentType = aws.String(contentType)
					}
				}
			}
			return next.HandleInitialize(ctx, in)
		}), middleware.Before)
}

// newTransporterClient derives a client from base that fills in Content-Type
func newTransporterClient(base *s3.Client) *s3.Client {
	return s3.New(base.Options(), func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, addContentType)
	})
}
